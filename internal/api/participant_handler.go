package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"qios/internal/hub"
	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/otel"
	"qios/internal/protocol"
)

const participantRoute = "/ws"

// ParticipantHandler bridges one WebSocket connection to the hub: inbound
// frames are dispatched in arrival order and deliveries addressed to the
// connection are written back as frames.
type ParticipantHandler struct {
	Hub            *hub.Hub
	AllowedOrigins []string
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	// FrameRate caps inbound frames per second; excess frames are dropped.
	// Zero disables the limit.
	FrameRate  rate.Limit
	FrameBurst int
}

func (h *ParticipantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := startWebSocketSpan(r, participantRoute)
	defer span.End()

	if h.Hub == nil {
		span.SetStatus(codes.Error, "hub unavailable")
		rejectConnection(w, r, nil, h.Logger, wsRejection{
			Status: http.StatusServiceUnavailable,
			Reason: "back office unavailable",
		})
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upgrade failed")
		logRejection(h.Logger, r, wsRejection{
			Status: http.StatusBadRequest,
			Reason: "websocket upgrade failed",
			Err:    err,
		})
		return
	}
	defer conn.Close()

	participant, err := h.Hub.Connect(ctx, r.RemoteAddr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "hub unavailable")
		rejectConnection(w, r, conn, h.Logger, wsRejection{
			Status: http.StatusServiceUnavailable,
			Reason: "back office unavailable",
			Err:    err,
		})
		return
	}
	span.SetAttributes(attribute.String("qios.conn_id", participant.ID))
	defer h.Hub.Disconnect(participant.ID)

	writer := startFrameWriter(conn, participant.Output, func(delivery hub.Delivery) ([]byte, bool) {
		payload, err := protocol.Encode(delivery.Message)
		if err != nil {
			h.Logger.Warn("encode delivery failed", map[string]string{
				"conn_id": participant.ID,
				"error":   err.Error(),
			})
			return nil, false
		}
		return payload, true
	}, h.Logger)
	defer writer.Stop()

	var limiter *rate.Limiter
	if h.FrameRate > 0 {
		limiter = rate.NewLimiter(h.FrameRate, max(h.FrameBurst, 1))
	}

	conn.SetReadLimit(wsMaxFrameBytes)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				h.Logger.Debug("websocket read ended", map[string]string{
					"conn_id": participant.ID,
					"error":   err.Error(),
				})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			otel.RecordFrame(ctx, "", len(data), otel.FrameThrottled)
			h.Metrics.IncFrameThrottled()
			h.Logger.Warn("inbound frame rate exceeded", map[string]string{
				"conn_id": participant.ID,
			})
			continue
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			otel.RecordFrame(ctx, "", len(data), otel.FrameMalformed)
			h.Logger.Warn("malformed frame ignored", map[string]string{
				"conn_id": participant.ID,
				"error":   err.Error(),
			})
			continue
		}
		otel.RecordFrame(ctx, frame.Event, len(data), otel.FrameDispatched)
		if !h.Hub.Dispatch(participant.ID, frame) {
			return
		}
	}
}

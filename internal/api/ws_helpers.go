package api

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qios/internal/logging"
)

const (
	wsBufferSize    = 1024
	wsWriteTimeout  = 10 * time.Second
	wsMaxFrameBytes = 64 << 10

	// RFC 6455 leaves 123 bytes for the reason after the close code.
	wsMaxCloseReason = 123
)

// wsRejection describes why a participant connection is refused or ended.
// With a live conn it becomes a close frame, otherwise a plain HTTP error.
type wsRejection struct {
	Status int
	Reason string
	Err    error
}

func (rejection wsRejection) status() int {
	if rejection.Status == 0 {
		return http.StatusInternalServerError
	}
	return rejection.Status
}

func (rejection wsRejection) reason() string {
	if reason := strings.TrimSpace(rejection.Reason); reason != "" {
		return reason
	}
	if text := http.StatusText(rejection.status()); text != "" {
		return text
	}
	return "websocket error"
}

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// rejectConnection logs rejection and reports it to the peer.
func rejectConnection(w http.ResponseWriter, r *http.Request, conn *websocket.Conn, logger *logging.Logger, rejection wsRejection) {
	logRejection(logger, r, rejection)
	if conn == nil {
		http.Error(w, rejection.reason(), rejection.status())
		return
	}
	closeWithCode(conn, closeCodeForStatus(rejection.status()), rejection.reason())
}

func logRejection(logger *logging.Logger, r *http.Request, rejection wsRejection) {
	if logger == nil || r == nil {
		return
	}
	status := rejection.status()
	fields := map[string]string{
		"path":       r.URL.Path,
		"status":     strconv.Itoa(status),
		"close_code": strconv.Itoa(closeCodeForStatus(status)),
		"reason":     rejection.reason(),
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if agent := strings.TrimSpace(r.UserAgent()); agent != "" {
		fields["user_agent"] = agent
	}
	if rejection.Err != nil {
		fields["error"] = rejection.Err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("websocket rejected", fields)
		return
	}
	logger.Warn("websocket rejected", fields)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	if len(reason) > wsMaxCloseReason {
		reason = reason[:wsMaxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
	_ = conn.Close()
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

// frameWriter owns the write side of a connection. Frames arrive on the
// output channel; closing that channel ends the connection with a normal
// close frame.
type frameWriter struct {
	stopOnce sync.Once
	stop     chan struct{}
}

func startFrameWriter[T any](conn *websocket.Conn, output <-chan T, encode func(T) ([]byte, bool), logger *logging.Logger) *frameWriter {
	writer := &frameWriter{stop: make(chan struct{})}
	go func() {
		for {
			var value T
			var open bool
			select {
			case <-writer.stop:
				return
			case value, open = <-output:
			}
			if !open {
				closeWithCode(conn, websocket.CloseNormalClosure, "")
				return
			}
			payload, ok := encode(value)
			if !ok {
				continue
			}
			if err := writeFrame(conn, payload); err != nil {
				logger.Debug("websocket write failed", map[string]string{
					"error": err.Error(),
				})
				_ = conn.Close()
				return
			}
		}
	}()
	return writer
}

func writeFrame(conn *websocket.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Stop ends the writer without closing the connection.
func (writer *frameWriter) Stop() {
	if writer == nil {
		return
	}
	writer.stopOnce.Do(func() { close(writer.stop) })
}

// isOriginAllowed accepts requests without an Origin header, origins listed
// in allowed, and same-host origins when allowed is empty. A "*" entry
// accepts everything.
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	if len(allowed) == 0 {
		return strings.EqualFold(parsed.Hostname(), requestHost(r.Host))
	}
	for _, entry := range allowed {
		if entry == "*" || strings.EqualFold(entry, origin) || strings.EqualFold(entry, parsed.Hostname()) {
			return true
		}
	}
	return false
}

func requestHost(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
}

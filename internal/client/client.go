// Package client is a participant that talks to the back office over its
// WebSocket endpoint. It is used by the qios-node command and by tests.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"qios/internal/logging"
	"qios/internal/protocol"
	"qios/internal/registry"
)

const (
	wsWriteTimeout        = 10 * time.Second
	defaultMessageBuffer  = 64
	participantPath       = "/ws"
	defaultHandshakeLimit = 10 * time.Second
)

var ErrClosed = errors.New("client closed")

type Options struct {
	Dialer *websocket.Dialer
	Header http.Header
	Logger *logging.Logger
	// MessageBuffer bounds decoded messages waiting to be read.
	MessageBuffer int
}

type Client struct {
	conn   *websocket.Conn
	logger *logging.Logger

	writeMu  sync.Mutex
	messages chan protocol.Message
	done     chan struct{}
	stopped  chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// WebSocketURL maps an http(s) or ws(s) base URL to the participant endpoint.
func WebSocketURL(baseURL string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", errors.New("server URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", parsed.Scheme)
	}
	basePath := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(basePath, participantPath) {
		basePath += participantPath
	}
	parsed.Path = basePath
	return parsed.String(), nil
}

func Dial(ctx context.Context, baseURL string, options Options) (*Client, error) {
	wsURL, err := WebSocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeLimit,
		}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, options.Header)
	if err != nil {
		return nil, fmt.Errorf("dial back office: %w", err)
	}

	buffer := options.MessageBuffer
	if buffer <= 0 {
		buffer = defaultMessageBuffer
	}
	client := &Client{
		conn:     conn,
		logger:   options.Logger,
		messages: make(chan protocol.Message, buffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Register announces the participant role.
func (client *Client) Register(role registry.Role) error {
	switch role {
	case registry.RoleNode:
		return client.Send(protocol.EventRegisterNode, nil)
	case registry.RoleAdmin:
		return client.Send(protocol.EventRegisterAdmin, nil)
	default:
		return fmt.Errorf("cannot register as %q", role)
	}
}

// RunProgram asks the back office to orchestrate program. The payload is
// opaque to the server.
func (client *Client) RunProgram(program any) error {
	return client.Send(protocol.EventRunProgram, program)
}

func (client *Client) Send(event string, data any) error {
	frame := protocol.Frame{Event: event}
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		frame.Data = payload
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case <-client.done:
		return ErrClosed
	default:
	}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if err := client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return client.conn.WriteMessage(websocket.TextMessage, payload)
}

// Messages yields decoded server messages. It is closed when the connection
// ends; Err reports why.
func (client *Client) Messages() <-chan protocol.Message {
	return client.messages
}

func (client *Client) Err() error {
	client.errMu.Lock()
	defer client.errMu.Unlock()
	return client.err
}

// Close sends a close frame and waits for the read loop to exit.
func (client *Client) Close() error {
	var closeErr error
	client.closeOnce.Do(func() {
		close(client.done)
		client.writeMu.Lock()
		deadline := time.Now().Add(wsWriteTimeout)
		_ = client.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		client.writeMu.Unlock()
		closeErr = client.conn.Close()
		<-client.stopped
	})
	return closeErr
}

func (client *Client) readLoop() {
	defer close(client.stopped)
	defer close(client.messages)
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			client.setErr(err)
			return
		}
		frame, err := protocol.Decode(payload)
		if err != nil {
			client.logger.Warn("malformed frame from back office", map[string]string{
				"error": err.Error(),
			})
			continue
		}
		message, err := protocol.DecodeMessage(frame)
		if err != nil {
			client.logger.Warn("unhandled frame from back office", map[string]string{
				"event": frame.Event,
				"error": err.Error(),
			})
			continue
		}
		select {
		case client.messages <- message:
		case <-client.done:
			return
		}
	}
}

func (client *Client) setErr(err error) {
	select {
	case <-client.done:
		err = ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	}
	client.errMu.Lock()
	client.err = err
	client.errMu.Unlock()
}

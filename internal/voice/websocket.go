package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

type WebsocketOptions struct {
	Endpoint       string
	APIKey         string
	ConnectTimeout time.Duration
}

// WebsocketClient talks to a voice gateway over one websocket per call.
// Commands go out as protocol.VoiceCommand frames and events come back as
// protocol.VoiceEvent frames.
type WebsocketClient struct {
	hub
	opts   WebsocketOptions
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	sessionID string
	stopping  bool
	done      chan struct{}
}

var errNoCall = errors.New("voice: no active call")

func NewWebsocketClient(opts WebsocketOptions, logger *slog.Logger) *WebsocketClient {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &WebsocketClient{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: logger.With(slog.String("component", "voice-websocket")),
	}
}

func (c *WebsocketClient) Configured() bool {
	return c.opts.Endpoint != "" && KeyConfigured(c.opts.APIKey)
}

func (c *WebsocketClient) Start(ctx context.Context, sessionID string, req protocol.CallRequest) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("voice: call already in progress")
	}
	c.mu.Unlock()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+c.opts.APIKey)

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}
	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.Endpoint, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial voice gateway (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial voice gateway: %w", err)
	}

	start := protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpStart, Call: &req}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send start: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.sessionID = sessionID
	c.stopping = false
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, sessionID, done)
	return nil
}

func (c *WebsocketClient) readLoop(conn *websocket.Conn, sessionID string, done chan struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stopping := c.stopping
			if c.conn == conn {
				c.conn = nil
				c.sessionID = ""
			}
			c.mu.Unlock()
			if stopping || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			c.logger.Warn("voice connection lost", slogError(err))
			c.publish(protocol.VoiceEvent{
				SessionID: sessionID,
				Type:      protocol.EventError,
				Error:     "connection lost",
				Timestamp: time.Now().UTC(),
			})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ev protocol.VoiceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("failed to decode voice event", slogError(err))
			continue
		}
		if ev.SessionID == "" {
			ev.SessionID = sessionID
		}
		c.publish(ev)
	}
}

func (c *WebsocketClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	conn, sessionID, done := c.conn, c.sessionID, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	sendErr := c.send(protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpStop})

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sendErr != nil {
		return fmt.Errorf("send stop: %w", sendErr)
	}
	return nil
}

func (c *WebsocketClient) Say(ctx context.Context, text string) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpSay, Text: text})
}

func (c *WebsocketClient) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	return c.send(protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpMute, Muted: muted})
}

func (c *WebsocketClient) Subscribe(fn func(protocol.VoiceEvent)) (func(), error) {
	return c.subscribe(fn), nil
}

func (c *WebsocketClient) send(cmd protocol.VoiceCommand) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNoCall
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

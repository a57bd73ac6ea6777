package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-grounding/internal/bus"
	"github.com/loqalabs/loqa-grounding/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusClient reaches a voice gateway through NATS: commands are requests on
// voice.cmd.<op> and events arrive on voice.event.<session>.
type BusClient struct {
	hub
	bus    *bus.Client
	apiKey string
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	sub       *nats.Subscription
}

func NewBusClient(busClient *bus.Client, apiKey string, logger *slog.Logger) *BusClient {
	return &BusClient{
		bus:    busClient,
		apiKey: apiKey,
		logger: logger.With(slog.String("component", "voice-bus")),
	}
}

func (c *BusClient) Configured() bool {
	return KeyConfigured(c.apiKey) && c.bus.Healthy()
}

func (c *BusClient) Start(ctx context.Context, sessionID string, req protocol.CallRequest) error {
	c.dropSubscription()

	sub, err := c.bus.Conn().Subscribe(protocol.VoiceEventSubject(sessionID), c.handleEvent)
	if err != nil {
		return fmt.Errorf("subscribe voice events: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.sessionID = sessionID
	c.mu.Unlock()

	if err := c.command(ctx, protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpStart, Call: &req}); err != nil {
		c.dropIfCurrent(sub)
		return err
	}
	return nil
}

func (c *BusClient) handleEvent(msg *nats.Msg) {
	var ev protocol.VoiceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		c.logger.Warn("failed to decode voice event", slogError(err))
		return
	}
	c.publish(ev)
	if ev.Type == protocol.EventCallEnd {
		c.dropIfCurrent(msg.Sub)
	}
}

// dropIfCurrent unsubscribes sub only while it still belongs to the active
// call; a late call-end from an earlier session leaves the new one alone.
func (c *BusClient) dropIfCurrent(sub *nats.Subscription) {
	c.mu.Lock()
	if sub == nil || c.sub != sub {
		c.mu.Unlock()
		return
	}
	c.sub = nil
	c.sessionID = ""
	c.mu.Unlock()
	_ = sub.Unsubscribe()
}

func (c *BusClient) dropSubscription() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.sessionID = ""
	c.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (c *BusClient) Stop(ctx context.Context) error {
	sessionID := c.session()
	if sessionID == "" {
		return nil
	}
	return c.command(ctx, protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpStop})
}

func (c *BusClient) Say(ctx context.Context, text string) error {
	sessionID := c.session()
	if sessionID == "" {
		return errNoCall
	}
	return c.command(ctx, protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpSay, Text: text})
}

func (c *BusClient) SetMuted(ctx context.Context, muted bool) error {
	sessionID := c.session()
	if sessionID == "" {
		return errNoCall
	}
	return c.command(ctx, protocol.VoiceCommand{SessionID: sessionID, Op: protocol.VoiceOpMute, Muted: muted})
}

func (c *BusClient) Subscribe(fn func(protocol.VoiceEvent)) (func(), error) {
	return c.subscribe(fn), nil
}

func (c *BusClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *BusClient) command(ctx context.Context, cmd protocol.VoiceCommand) error {
	var reply protocol.Reply
	if err := c.bus.RequestJSON(ctx, protocol.VoiceCommandSubject(cmd.Op), cmd, &reply); err != nil {
		return err
	}
	if !reply.OK {
		if reply.Error == "" {
			return errors.New("voice gateway rejected " + cmd.Op)
		}
		return fmt.Errorf("voice gateway rejected %s: %s", cmd.Op, reply.Error)
	}
	return nil
}

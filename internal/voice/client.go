// Package voice is the boundary to the remote conversational voice service.
package voice

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-grounding/internal/protocol"
)

// Client drives one call at a time on the remote voice service. Subscribers
// receive events on the client's own goroutines.
type Client interface {
	// Configured reports whether credentials are present and plausible.
	Configured() bool
	Start(ctx context.Context, sessionID string, req protocol.CallRequest) error
	Stop(ctx context.Context) error
	Say(ctx context.Context, text string) error
	SetMuted(ctx context.Context, muted bool) error
	Subscribe(fn func(protocol.VoiceEvent)) (unsubscribe func(), err error)
}

const placeholderKey = "your_voice_api_key_here"

// KeyConfigured applies the credential sanity check used before every call.
func KeyConfigured(key string) bool {
	key = strings.TrimSpace(key)
	return key != "" && key != placeholderKey && len(key) > 10
}

// hub fans events out to subscribers.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[int]func(protocol.VoiceEvent)
}

func (h *hub) subscribe(fn func(protocol.VoiceEvent)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(protocol.VoiceEvent))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(ev protocol.VoiceEvent) {
	h.mu.Lock()
	subs := make([]func(protocol.VoiceEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

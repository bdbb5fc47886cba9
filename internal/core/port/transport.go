package port

import (
	"context"
	"fmt"
	"time"

	"github.com/voxline/janusgw/internal/core/domain"
)

// Inbound delivers one inbound envelope to the transport's owner.
type Inbound func(env domain.Envelope)

// TransportConfig carries everything a transport factory needs.
type TransportConfig struct {
	URL         string
	APISecret   string
	Token       string
	Subprotocol string

	// MaxConnectAttempts bounds connection dial retries; zero means a
	// single attempt.
	MaxConnectAttempts int

	// MaxPollBackoff caps the retry backoff of polling transports.
	MaxPollBackoff time.Duration

	// Deliver receives every inbound envelope that is not claimed by a
	// per-session sink: transaction replies and pre-session traffic.
	Deliver Inbound
}

// Transport owns one physical connection to one gateway endpoint. It knows
// how to push an outbound envelope and how to surface inbound ones; it never
// interprets them.
type Transport interface {
	// Connect establishes the connection. Idempotent if already connected.
	Connect(ctx context.Context) error

	// Disconnect closes and releases the connection. Idempotent, safe on a
	// dead connection. A later Connect yields a fresh inbound sequence.
	Disconnect() error

	// Send transmits one envelope. Fails with SendError if not connected.
	// On the polling variant the reply to this very request may arrive
	// through the same round trip; it is still surfaced via delivery sinks.
	Send(ctx context.Context, env *domain.Envelope) error

	// SessionCreated announces a live session id. Polling transports start
	// their long-poll loop here, delivering that session's events to sink.
	SessionCreated(id uint64, sink Inbound)

	// SessionDestroyed stops per-session delivery for id.
	SessionDestroyed(id uint64)
}

// TransportFactory builds a transport for one endpoint.
type TransportFactory func(cfg TransportConfig) (Transport, error)

type registryEntry struct {
	match   func(url string) bool
	factory TransportFactory
}

// TransportRegistry maps endpoint URLs to transport implementations through
// matcher predicates. It is an explicit constructed value, passed into the
// session factory; new schemes are registered without touching the core.
type TransportRegistry struct {
	entries []registryEntry
}

func NewTransportRegistry() *TransportRegistry {
	return &TransportRegistry{}
}

// Register adds a (matcher, factory) pair.
func (r *TransportRegistry) Register(match func(url string) bool, factory TransportFactory) {
	r.entries = append(r.entries, registryEntry{match: match, factory: factory})
}

// Create builds the transport whose matcher accepts cfg.URL. Exactly one
// matcher must accept.
func (r *TransportRegistry) Create(cfg TransportConfig) (Transport, error) {
	var found TransportFactory
	for _, e := range r.entries {
		if !e.match(cfg.URL) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("url %q matched more than one transport", cfg.URL)
		}
		found = e.factory
	}
	if found == nil {
		return nil, fmt.Errorf("no transport registered for url %q", cfg.URL)
	}
	return found(cfg)
}

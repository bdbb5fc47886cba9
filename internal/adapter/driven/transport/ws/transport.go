// Package ws is the duplex transport variant: one long-lived websocket
// connection on which inbound envelopes arrive at any time.
package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const defaultSubprotocol = "janus-protocol"

// Matches is the registry predicate for this transport.
func Matches(url string) bool {
	return strings.HasPrefix(url, "ws://") || strings.HasPrefix(url, "wss://")
}

// Factory builds a websocket transport. Registered under ws:// and wss://.
func Factory(cfg port.TransportConfig) (port.Transport, error) {
	sub := cfg.Subprotocol
	if sub == "" {
		sub = defaultSubprotocol
	}
	return &Transport{
		cfg: cfg,
		dialer: websocket.Dialer{
			Subprotocols:     []string{sub},
			HandshakeTimeout: 10 * time.Second,
		},
		log:   log.With().Str("transport", "ws").Str("url", cfg.URL).Logger(),
		sinks: make(map[uint64]port.Inbound),
	}, nil
}

// Transport implements port.Transport over a single websocket connection.
type Transport struct {
	cfg    port.TransportConfig
	dialer websocket.Dialer
	log    zerolog.Logger

	mu       sync.Mutex // guards conn and writes
	conn     *websocket.Conn
	readDone chan struct{}

	smu   sync.RWMutex
	sinks map[uint64]port.Inbound
}

// Connect dials the gateway, retrying with backoff up to the configured
// attempt limit. Idempotent while connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	attempts := t.cfg.MaxConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
		if err == nil {
			t.conn = conn
			t.readDone = make(chan struct{})
			go t.readLoop(conn, t.readDone)
			t.log.Info().Msg("Connected")
			return nil
		}
		lastErr = err
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return &domain.ConnectError{URL: t.cfg.URL, Err: ctx.Err()}
		}
	}
	return &domain.ConnectError{URL: t.cfg.URL, Err: lastErr}
}

// Disconnect closes the connection and ends the inbound sequence. Safe to
// call on a dead or never-connected transport.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	done := t.readDone
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	t.log.Info().Msg("Disconnected")
	return err
}

// Send marshals one envelope onto the wire. The reply arrives later through
// the read loop; Send never waits for it.
func (t *Transport) Send(ctx context.Context, env *domain.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return &domain.SendError{Err: domain.ErrNotConnected}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.conn.WriteJSON(env); err != nil {
		return &domain.SendError{Err: err}
	}
	return nil
}

// SessionCreated binds the per-session sink. Envelopes stamped with that
// session id route to it; everything else goes to the default sink.
func (t *Transport) SessionCreated(id uint64, sink port.Inbound) {
	t.smu.Lock()
	t.sinks[id] = sink
	t.smu.Unlock()
}

func (t *Transport) SessionDestroyed(id uint64) {
	t.smu.Lock()
	delete(t.sinks, id)
	t.smu.Unlock()
}

// readLoop surfaces inbound envelopes in arrival order until the connection
// dies. A new Connect starts a fresh loop.
func (t *Transport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.log.Error().Err(err).Msg("Unexpected close error")
			}
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			return
		}
		env, err := domain.Decode(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("Dropping undecodable envelope")
			continue
		}
		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env domain.Envelope) {
	t.smu.RLock()
	sink := t.sinks[env.SessionID]
	t.smu.RUnlock()
	if sink != nil {
		sink(env)
		return
	}
	t.cfg.Deliver(env)
}

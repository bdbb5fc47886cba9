package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const (
	// DefaultRequestTimeout bounds one transaction wait unless overridden.
	DefaultRequestTimeout = 15 * time.Second

	// DefaultKeepaliveInterval keeps a session alive; the gateway reaps
	// sessions after 60 seconds of inactivity.
	DefaultKeepaliveInterval = 30 * time.Second

	inboundBuffer = 64
)

// Config assembles a session. URL plus Registry is the usual path; Transport
// overrides the registry, which tests use to inject fakes.
type Config struct {
	URL       string
	APISecret string
	Token     string

	RequestTimeout    time.Duration
	KeepaliveInterval time.Duration

	// Transport tuning, forwarded to the transport factory.
	MaxConnectAttempts int
	MaxPollBackoff     time.Duration

	Registry  *port.TransportRegistry
	Transport port.Transport
}

// MatchKinds builds a matcher accepting replies of the given kinds that
// carry the transaction token.
func MatchKinds(kinds ...string) Matcher {
	return func(token string) domain.MatchFunc {
		return domain.Fingerprint{Transaction: token, Kinds: kinds}.Match
	}
}

// Session is one logical conversation with the gateway: it owns a transport,
// the transaction table, and the attached handles, and it routes every
// inbound envelope to one of them.
type Session struct {
	cfg       Config
	transport port.Transport
	txns      *Table
	log       zerolog.Logger

	inbound      chan domain.Envelope
	quit         chan struct{}
	dispatchDone chan struct{}

	mu        sync.Mutex
	id        uint64
	created   bool
	destroyed bool
	handles   map[uint64]*Handle

	createMu        sync.Mutex
	keepaliveCancel context.CancelFunc
	keepaliveDone   chan struct{}
}

// NewSession builds a session and its transport. The session is not created
// on the gateway until Create or the first operation that needs it.
func NewSession(cfg Config) (*Session, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}

	s := &Session{
		cfg:          cfg,
		txns:         NewTable(),
		log:          log.With().Str("gateway", cfg.URL).Logger(),
		inbound:      make(chan domain.Envelope, inboundBuffer),
		quit:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
		handles:      make(map[uint64]*Handle),
	}

	s.transport = cfg.Transport
	if s.transport == nil {
		if cfg.Registry == nil {
			return nil, errors.New("session needs a transport or a registry")
		}
		tr, err := cfg.Registry.Create(port.TransportConfig{
			URL:                cfg.URL,
			APISecret:          cfg.APISecret,
			Token:              cfg.Token,
			MaxConnectAttempts: cfg.MaxConnectAttempts,
			MaxPollBackoff:     cfg.MaxPollBackoff,
			Deliver:            s.deliver,
		})
		if err != nil {
			return nil, err
		}
		s.transport = tr
	}

	go s.dispatch()
	return s, nil
}

// ID returns the server-assigned session id, zero before Create.
func (s *Session) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// deliver is the transport's inbound sink. It never blocks past teardown.
func (s *Session) deliver(env domain.Envelope) {
	select {
	case s.inbound <- env:
	case <-s.quit:
	}
}

// dispatch drains the inbound channel one envelope at a time, so handle map
// reads never interleave with partial state updates.
func (s *Session) dispatch() {
	defer close(s.dispatchDone)
	for {
		select {
		case env := <-s.inbound:
			s.route(&env)
		case <-s.quit:
			return
		}
	}
}

// route offers the envelope to the transaction table first, then to the
// owning handle. Envelopes for unknown handles are dropped, never raised.
func (s *Session) route(env *domain.Envelope) {
	if s.txns.Feed(env) {
		return
	}
	hid := env.OwnerHandle()
	if hid == 0 {
		s.log.Debug().Str("janus", env.Janus).Msg("Unclaimed session-level envelope")
		return
	}
	s.mu.Lock()
	h := s.handles[hid]
	s.mu.Unlock()
	if h == nil {
		s.log.Info().Uint64("handle_id", hid).Str("janus", env.Janus).Msg("Dropping envelope for unknown handle")
		return
	}
	h.deliver(*env)
}

func (s *Session) stampAuth(env *domain.Envelope) {
	if s.cfg.APISecret != "" {
		env.APISecret = s.cfg.APISecret
	}
	if s.cfg.Token != "" {
		env.Token = s.cfg.Token
	}
}

// roundTrip registers a transaction, transmits the envelope and awaits the
// matching reply. A gateway "error" envelope sharing the token always
// resolves the wait and surfaces as a ProtocolError.
func (s *Session) roundTrip(ctx context.Context, env *domain.Envelope, match Matcher, timeout time.Duration) (domain.Envelope, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	tx := s.txns.Register(withErrorReply(match), timeout)
	env.Transaction = tx.Token()
	s.stampAuth(env)

	if err := s.transport.Send(ctx, env); err != nil {
		s.txns.Discard(tx)
		return domain.Envelope{}, err
	}

	reply, err := tx.Await(ctx)
	if err != nil {
		return domain.Envelope{}, err
	}
	if reply.Janus == domain.KindError {
		return reply, domain.NewProtocolError(&reply)
	}
	return reply, nil
}

// withErrorReply widens a matcher so an error reply carrying the token is
// always claimed, instead of waiting out the deadline.
func withErrorReply(match Matcher) Matcher {
	return func(token string) domain.MatchFunc {
		base := domain.Fingerprint{Transaction: token}.Match
		if match != nil {
			base = match(token)
		}
		errMatch := domain.Fingerprint{Transaction: token, Kinds: []string{domain.KindError}}.Match
		return domain.AnyOf(base, errMatch)
	}
}

// Create connects the transport and establishes the session on the gateway.
// Idempotent; invoked lazily by the first operation that needs a session.
func (s *Session) Create(ctx context.Context) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.Lock()
	destroyed, created := s.destroyed, s.created
	s.mu.Unlock()
	if destroyed {
		return domain.ErrSessionDestroyed
	}
	if created {
		return nil
	}

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	reply, err := s.roundTrip(ctx, &domain.Envelope{Janus: domain.KindCreate}, MatchKinds(domain.KindSuccess), 0)
	if err != nil {
		return err
	}
	if reply.Data == nil {
		return &domain.ProtocolError{Reason: "create reply without session id"}
	}

	s.mu.Lock()
	s.id = reply.Data.ID
	s.created = true
	s.mu.Unlock()

	s.log = s.log.With().Uint64("session_id", reply.Data.ID).Logger()
	s.log.Info().Msg("Session created")
	s.transport.SessionCreated(reply.Data.ID, s.deliver)

	kctx, cancel := context.WithCancel(context.Background())
	s.keepaliveCancel = cancel
	s.keepaliveDone = make(chan struct{})
	go s.keepalive(kctx)
	return nil
}

// Send stamps the session id and transaction token on env, transmits it and
// awaits the reply selected by match (nil means first reply with the token).
// The session is created lazily on first use.
func (s *Session) Send(ctx context.Context, env *domain.Envelope, match Matcher, timeout time.Duration) (domain.Envelope, error) {
	if err := s.Create(ctx); err != nil {
		return domain.Envelope{}, err
	}
	s.mu.Lock()
	env.SessionID = s.id
	s.mu.Unlock()
	return s.roundTrip(ctx, env, match, timeout)
}

// Attach creates a plugin handle bound to handler, with engine as its
// negotiation engine (nil for signalling-only handles).
func (s *Session) Attach(ctx context.Context, handler port.PluginHandler, engine port.NegotiationEngine) (*Handle, error) {
	env := &domain.Envelope{Janus: domain.KindAttach, Plugin: handler.PluginName()}
	reply, err := s.Send(ctx, env, MatchKinds(domain.KindSuccess), 0)
	if err != nil {
		var perr *domain.ProtocolError
		if errors.As(err, &perr) {
			return nil, &domain.AttachError{Plugin: handler.PluginName(), ProtocolError: *perr}
		}
		return nil, err
	}
	if reply.Data == nil {
		return nil, &domain.ProtocolError{Reason: "attach reply without handle id"}
	}

	h := newHandle(s, reply.Data.ID, handler, engine)
	s.mu.Lock()
	s.handles[h.id] = h
	s.mu.Unlock()
	s.log.Info().Uint64("handle_id", h.id).Str("plugin", handler.PluginName()).Msg("Plugin attached")
	return h, nil
}

func (s *Session) removeHandle(id uint64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// ServerInfo asks the gateway for its info blob. Decode reply.Raw for fields
// outside the typed envelope.
func (s *Session) ServerInfo(ctx context.Context) (domain.Envelope, error) {
	if err := s.transport.Connect(ctx); err != nil {
		return domain.Envelope{}, err
	}
	return s.roundTrip(ctx, &domain.Envelope{Janus: domain.KindInfo}, MatchKinds(domain.KindServerInfo), 0)
}

// keepalive is the supervised background task keeping the session alive.
// Failures are logged only; the next real request surfaces actual loss.
func (s *Session) keepalive(ctx context.Context) {
	defer close(s.keepaliveDone)
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			env := &domain.Envelope{Janus: domain.KindKeepalive, SessionID: s.id}
			s.mu.Unlock()
			if _, err := s.roundTrip(ctx, env, MatchKinds(domain.KindAck), 0); err != nil {
				s.log.Warn().Err(err).Msg("Keepalive failed")
			}
		}
	}
}

// Destroy tears the session down: best-effort destroy request, keepalive
// stopped, all handles closed, all pending transactions cancelled, transport
// disconnected. Safe to call twice and on a never-created session.
func (s *Session) Destroy(ctx context.Context) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	created, id := s.created, s.id
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[uint64]*Handle)
	s.mu.Unlock()

	if created {
		env := &domain.Envelope{Janus: domain.KindDestroy, SessionID: id}
		if _, err := s.roundTrip(ctx, env, MatchKinds(domain.KindSuccess), 0); err != nil {
			s.log.Error().Err(err).Msg("Destroy request failed")
		}
	}

	if s.keepaliveCancel != nil {
		s.keepaliveCancel()
		<-s.keepaliveDone
	}
	for _, h := range handles {
		h.close()
	}
	s.txns.CancelAll(domain.ErrCancelled)

	if created {
		s.transport.SessionDestroyed(id)
	}
	close(s.quit)
	<-s.dispatchDone

	if err := s.transport.Disconnect(); err != nil {
		s.log.Error().Err(err).Msg("Transport disconnect failed")
	}
	s.log.Info().Msg("Session destroyed")
}

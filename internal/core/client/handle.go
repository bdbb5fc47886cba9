package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

// State is the negotiation state of a handle.
type State int32

const (
	StateDetached State = iota
	StateAttached
	StateNegotiating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	default:
		return "detached"
	}
}

const (
	handleEventBuffer = 32
	handleErrorBuffer = 16
)

// Handle is one attached plugin conversation. It tracks the offer/answer
// state machine and forwards routed events to its plugin handler on a
// private queue, so a slow handler cannot stall dispatch for other handles.
type Handle struct {
	id      uint64
	session *Session
	handler port.PluginHandler
	engine  port.NegotiationEngine
	log     zerolog.Logger

	mu    sync.Mutex
	state State

	events    chan domain.Envelope
	errs      chan error
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

func newHandle(s *Session, id uint64, handler port.PluginHandler, engine port.NegotiationEngine) *Handle {
	h := &Handle{
		id:       id,
		session:  s,
		handler:  handler,
		engine:   engine,
		log:      s.log.With().Uint64("handle_id", id).Logger(),
		state:    StateAttached,
		events:   make(chan domain.Envelope, handleEventBuffer),
		errs:     make(chan error, handleErrorBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if engine != nil {
		engine.OnLocalCandidate(func(c *domain.Candidate) {
			go h.trickleLocal(c)
		})
	}
	go h.eventLoop()
	return h
}

// ID returns the server-assigned handle id.
func (h *Handle) ID() uint64 { return h.id }

// State returns the current negotiation state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Errors is the side channel for plugin handler failures. Dispatch never
// re-raises them.
func (h *Handle) Errors() <-chan error { return h.errs }

// deliver queues a routed envelope for the plugin handler. A full queue
// drops the envelope rather than blocking session dispatch.
func (h *Handle) deliver(env domain.Envelope) {
	select {
	case <-h.quit:
	case h.events <- env:
	default:
		h.log.Warn().Str("janus", env.Janus).Msg("Handle event queue full, dropping envelope")
	}
}

func (h *Handle) eventLoop() {
	defer close(h.loopDone)
	for {
		select {
		case <-h.quit:
			return
		case env := <-h.events:
			h.handleEvent(&env)
		}
	}
}

func (h *Handle) handleEvent(env *domain.Envelope) {
	if env.Jsep != nil {
		h.noteRemoteDescription(env.Jsep.Type)
		if err := h.invoke(func() error { return h.handler.OnRemoteDescription(*env.Jsep) }); err != nil {
			h.reportError(fmt.Errorf("remote description handler: %w", err))
		}
	}
	if err := h.invoke(func() error { return h.handler.OnMessage(*env) }); err != nil {
		h.reportError(fmt.Errorf("plugin message handler: %w", err))
	}
}

// invoke isolates a plugin callback: panics become errors instead of taking
// down the event loop.
func (h *Handle) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin handler panic: %v", r)
		}
	}()
	return fn()
}

func (h *Handle) reportError(err error) {
	select {
	case h.errs <- err:
	default:
		h.log.Error().Err(err).Msg("Handle error channel full")
	}
}

func (h *Handle) ensureUsable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDetached {
		return domain.ErrHandleDetached
	}
	return nil
}

// noteRemoteDescription advances the state machine for a received JSEP. The
// description itself stays opaque; only offer/answer matters here.
func (h *Handle) noteRemoteDescription(jsepType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch jsepType {
	case domain.JsepOffer:
		if h.state == StateAttached || h.state == StateNegotiating {
			h.state = StateNegotiating
		}
	case domain.JsepAnswer:
		if h.state == StateNegotiating {
			h.state = StateActive
		}
	}
}

func (h *Handle) noteLocalDescription(jsepType string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch jsepType {
	case domain.JsepOffer:
		if h.state == StateAttached {
			h.state = StateNegotiating
		}
	case domain.JsepAnswer:
		if h.state == StateNegotiating {
			h.state = StateActive
		}
	}
}

// Message sends a plugin request, optionally carrying a local negotiation
// description. It resolves with the asynchronous event reply (or a direct
// success), skipping the intermediate ack.
func (h *Handle) Message(ctx context.Context, body any, jsep *domain.Jsep) (domain.Envelope, error) {
	if err := h.ensureUsable(); err != nil {
		return domain.Envelope{}, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("marshal plugin body: %w", err)
	}
	if jsep != nil {
		h.noteLocalDescription(jsep.Type)
	}

	env := &domain.Envelope{
		Janus:    domain.KindMessage,
		HandleID: h.id,
		Body:     raw,
		Jsep:     jsep,
	}
	reply, err := h.session.Send(ctx, env, MatchKinds(domain.KindEvent, domain.KindSuccess), 0)
	if err != nil {
		return reply, err
	}

	// A reply claimed by the transaction bypasses the event queue, so the
	// state machine and the handler see its description here.
	if reply.Jsep != nil {
		h.noteRemoteDescription(reply.Jsep.Type)
		if herr := h.invoke(func() error { return h.handler.OnRemoteDescription(*reply.Jsep) }); herr != nil {
			h.reportError(fmt.Errorf("remote description handler: %w", herr))
		}
	}
	return reply, nil
}

// Trickle sends one incremental negotiation candidate. Legal only once a
// description exchange has started.
func (h *Handle) Trickle(ctx context.Context, c domain.Candidate) (domain.Envelope, error) {
	h.mu.Lock()
	st := h.state
	h.mu.Unlock()
	if st == StateDetached {
		return domain.Envelope{}, domain.ErrHandleDetached
	}
	if st != StateNegotiating && st != StateActive {
		return domain.Envelope{}, &domain.InvalidStateError{Op: "trickle", State: st.String()}
	}

	env := &domain.Envelope{Janus: domain.KindTrickle, HandleID: h.id, Candidate: &c}
	return h.session.Send(ctx, env, MatchKinds(domain.KindAck), 0)
}

// TrickleComplete signals the end of candidates.
func (h *Handle) TrickleComplete(ctx context.Context) (domain.Envelope, error) {
	return h.Trickle(ctx, domain.Candidate{Completed: true})
}

func (h *Handle) trickleLocal(c *domain.Candidate) {
	var err error
	if c == nil {
		_, err = h.TrickleComplete(context.Background())
	} else {
		_, err = h.Trickle(context.Background(), *c)
	}
	if err != nil {
		h.reportError(fmt.Errorf("trickle: %w", err))
	}
}

// Renegotiate resets the negotiation engine for a fresh offer/answer round
// on the same handle, instead of racing a second engine instance.
func (h *Handle) Renegotiate() error {
	if err := h.ensureUsable(); err != nil {
		return err
	}
	h.mu.Lock()
	h.state = StateAttached
	h.mu.Unlock()
	if h.engine != nil {
		return h.engine.Reset()
	}
	return nil
}

// Detach releases the handle: best-effort detach request, removal from the
// session's map regardless of the outcome, terminal state. Idempotent.
func (h *Handle) Detach(ctx context.Context) {
	h.mu.Lock()
	if h.state == StateDetached {
		h.mu.Unlock()
		return
	}
	h.state = StateDetached
	h.mu.Unlock()

	env := &domain.Envelope{Janus: domain.KindDetach, HandleID: h.id}
	if _, err := h.session.Send(ctx, env, MatchKinds(domain.KindSuccess), 0); err != nil {
		h.log.Error().Err(err).Msg("Detach request failed")
	}
	h.session.removeHandle(h.id)
	h.close()
}

// close stops the event loop and releases the negotiation engine. Called by
// Detach and by Session.Destroy.
func (h *Handle) close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.state = StateDetached
		h.mu.Unlock()
		close(h.quit)
		<-h.loopDone
		if h.engine != nil {
			if err := h.engine.Close(); err != nil {
				h.log.Error().Err(err).Msg("Negotiation engine close failed")
			}
		}
	})
}

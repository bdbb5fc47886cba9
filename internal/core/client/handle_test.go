package client

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxline/janusgw/internal/core/domain"
)

func attachTestHandle(t *testing.T, handler *recordingHandler, engine *fakeEngine) (*Session, *fakeTransport, *Handle) {
	t.Helper()
	s, f := newFakeSession(t, nil)
	var h *Handle
	var err error
	if engine != nil {
		h, err = s.Attach(context.Background(), handler, engine)
	} else {
		h, err = s.Attach(context.Background(), handler, nil)
	}
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return s, f, h
}

func TestHandleStateMachine(t *testing.T) {
	engine := &fakeEngine{}
	_, _, h := attachTestHandle(t, &recordingHandler{}, engine)

	if got := h.State(); got != StateAttached {
		t.Fatalf("initial state = %v, want attached", got)
	}

	h.noteLocalDescription(domain.JsepOffer)
	if got := h.State(); got != StateNegotiating {
		t.Fatalf("state after local offer = %v, want negotiating", got)
	}

	h.noteRemoteDescription(domain.JsepAnswer)
	if got := h.State(); got != StateActive {
		t.Fatalf("state after remote answer = %v, want active", got)
	}

	if err := h.Renegotiate(); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	if got := h.State(); got != StateAttached {
		t.Fatalf("state after renegotiate = %v, want attached", got)
	}
	if engine.resetCount() != 1 {
		t.Fatalf("engine resets = %d, want 1", engine.resetCount())
	}
}

func TestRemoteOfferDrivesNegotiation(t *testing.T) {
	_, _, h := attachTestHandle(t, &recordingHandler{}, nil)

	h.noteRemoteDescription(domain.JsepOffer)
	if got := h.State(); got != StateNegotiating {
		t.Fatalf("state after remote offer = %v, want negotiating", got)
	}
	h.noteLocalDescription(domain.JsepAnswer)
	if got := h.State(); got != StateActive {
		t.Fatalf("state after local answer = %v, want active", got)
	}
}

func TestTrickleRequiresNegotiation(t *testing.T) {
	_, f, h := attachTestHandle(t, &recordingHandler{}, nil)

	_, err := h.Trickle(context.Background(), domain.Candidate{Candidate: "candidate:1"})
	var serr *domain.InvalidStateError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want InvalidStateError", err)
	}

	h.noteLocalDescription(domain.JsepOffer)
	reply, err := h.Trickle(context.Background(), domain.Candidate{Candidate: "candidate:1"})
	if err != nil {
		t.Fatalf("trickle while negotiating: %v", err)
	}
	if reply.Janus != domain.KindAck {
		t.Fatalf("trickle reply = %q, want ack", reply.Janus)
	}

	if _, err := h.TrickleComplete(context.Background()); err != nil {
		t.Fatalf("trickle complete: %v", err)
	}
	env, ok := f.last(domain.KindTrickle)
	if !ok || env.Candidate == nil || !env.Candidate.Completed {
		t.Fatalf("completed marker not sent: %+v", env.Candidate)
	}
}

func TestLocalCandidatesAreTrickled(t *testing.T) {
	engine := &fakeEngine{}
	_, f, h := attachTestHandle(t, &recordingHandler{}, engine)
	h.noteLocalDescription(domain.JsepOffer)

	engine.mu.Lock()
	emit := engine.emit
	engine.mu.Unlock()
	if emit == nil {
		t.Fatalf("engine candidate callback not registered")
	}

	emit(&domain.Candidate{Candidate: "candidate:1", SDPMid: "0"})
	waitFor(t, "trickled candidate", func() bool { return f.count(domain.KindTrickle) == 1 })

	emit(nil)
	waitFor(t, "completed marker", func() bool { return f.count(domain.KindTrickle) == 2 })
	env, _ := f.last(domain.KindTrickle)
	if env.Candidate == nil || !env.Candidate.Completed {
		t.Fatalf("nil candidate should trickle the completed marker, got %+v", env.Candidate)
	}
}

func TestDetachIsIdempotentAndTerminal(t *testing.T) {
	engine := &fakeEngine{}
	_, f, h := attachTestHandle(t, &recordingHandler{}, engine)

	h.Detach(context.Background())
	h.Detach(context.Background())
	if got := f.count(domain.KindDetach); got != 1 {
		t.Fatalf("detach requests = %d, want 1", got)
	}
	if got := h.State(); got != StateDetached {
		t.Fatalf("state = %v, want detached", got)
	}
	if engine.closeCount() != 1 {
		t.Fatalf("engine closes = %d, want 1", engine.closeCount())
	}

	if _, err := h.Message(context.Background(), map[string]string{"request": "start"}, nil); !errors.Is(err, domain.ErrHandleDetached) {
		t.Fatalf("message after detach: %v, want ErrHandleDetached", err)
	}
	if err := h.Renegotiate(); !errors.Is(err, domain.ErrHandleDetached) {
		t.Fatalf("renegotiate after detach: %v, want ErrHandleDetached", err)
	}
	if _, err := h.Trickle(context.Background(), domain.Candidate{}); !errors.Is(err, domain.ErrHandleDetached) {
		t.Fatalf("trickle after detach: %v, want ErrHandleDetached", err)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	handler := &recordingHandler{panicMsg: "boom"}
	s, _, h := attachTestHandle(t, handler, nil)

	s.deliver(domain.Envelope{Janus: domain.KindEvent, Sender: h.ID()})
	select {
	case err := <-h.Errors():
		if !strings.Contains(err.Error(), "panic") {
			t.Fatalf("err = %v, want panic report", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("panic not reported on the error channel")
	}

	// The event loop must survive the panic.
	handler.mu.Lock()
	handler.panicMsg = ""
	handler.mu.Unlock()
	s.deliver(domain.Envelope{Janus: domain.KindEvent, Sender: h.ID()})
	waitFor(t, "post-panic event", func() bool { return len(handler.messages()) == 2 })
}

func TestHandlerErrorReported(t *testing.T) {
	handler := &recordingHandler{err: errors.New("bad payload")}
	s, _, h := attachTestHandle(t, handler, nil)

	s.deliver(domain.Envelope{Janus: domain.KindEvent, Sender: h.ID()})
	select {
	case err := <-h.Errors():
		if !strings.Contains(err.Error(), "bad payload") {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler error not reported")
	}
}

func TestRoutedDescriptionReachesHandler(t *testing.T) {
	handler := &recordingHandler{}
	s, _, h := attachTestHandle(t, handler, nil)

	s.deliver(domain.Envelope{
		Janus:  domain.KindEvent,
		Sender: h.ID(),
		Jsep:   &domain.Jsep{Type: domain.JsepOffer, SDP: "v=0\r\n"},
	})
	waitFor(t, "remote description", func() bool { return len(handler.descriptions()) == 1 })
	if got := h.State(); got != StateNegotiating {
		t.Fatalf("state = %v after routed offer, want negotiating", got)
	}
}

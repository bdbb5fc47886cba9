package echotest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/voxline/janusgw/internal/core/domain"
)

type stubEngine struct {
	remote []domain.Jsep
}

func (e *stubEngine) CreateOffer(ctx context.Context) (domain.Jsep, error) {
	return domain.Jsep{Type: domain.JsepOffer, SDP: "v=0\r\n"}, nil
}

func (e *stubEngine) CreateAnswer(ctx context.Context, offer domain.Jsep) (domain.Jsep, error) {
	return domain.Jsep{Type: domain.JsepAnswer, SDP: "v=0\r\n"}, nil
}

func (e *stubEngine) SetRemoteDescription(desc domain.Jsep) error {
	e.remote = append(e.remote, desc)
	return nil
}

func (e *stubEngine) AddCandidate(c domain.Candidate) error { return nil }

func (e *stubEngine) OnLocalCandidate(fn func(*domain.Candidate)) {}

func (e *stubEngine) Reset() error { return nil }

func (e *stubEngine) Close() error { return nil }

func pluginEvent(t *testing.T, payload any) domain.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return domain.Envelope{
		Janus:      domain.KindEvent,
		PluginData: &domain.PluginData{Plugin: PluginName, Data: data},
	}
}

func TestOnMessageParsesEvent(t *testing.T) {
	h := New(nil)
	env := pluginEvent(t, map[string]string{"echotest": "event", "result": "ok"})
	if err := h.OnMessage(env); err != nil {
		t.Fatalf("on message: %v", err)
	}
	select {
	case ev := <-h.Events():
		if ev.Result != "ok" {
			t.Fatalf("result = %q, want ok", ev.Result)
		}
	default:
		t.Fatalf("no event surfaced")
	}
}

func TestOnMessageIgnoresEnvelopesWithoutPluginData(t *testing.T) {
	h := New(nil)
	if err := h.OnMessage(domain.Envelope{Janus: domain.KindEvent}); err != nil {
		t.Fatalf("on message: %v", err)
	}
	select {
	case ev := <-h.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestOnMessageRejectsGarbage(t *testing.T) {
	h := New(nil)
	env := domain.Envelope{
		Janus:      domain.KindEvent,
		PluginData: &domain.PluginData{Plugin: PluginName, Data: json.RawMessage(`{`)},
	}
	if err := h.OnMessage(env); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestOnRemoteDescriptionForwardsToEngine(t *testing.T) {
	engine := &stubEngine{}
	h := New(engine)
	desc := domain.Jsep{Type: domain.JsepAnswer, SDP: "v=0\r\n"}
	if err := h.OnRemoteDescription(desc); err != nil {
		t.Fatalf("on remote description: %v", err)
	}
	if len(engine.remote) != 1 || engine.remote[0].Type != domain.JsepAnswer {
		t.Fatalf("engine descriptions = %+v", engine.remote)
	}

	// A handler without an engine just drops the description.
	if err := New(nil).OnRemoteDescription(desc); err != nil {
		t.Fatalf("on remote description without engine: %v", err)
	}
}

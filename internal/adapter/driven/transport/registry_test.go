package transport

import (
	"testing"

	"github.com/voxline/janusgw/internal/adapter/driven/transport/longpoll"
	"github.com/voxline/janusgw/internal/adapter/driven/transport/ws"
	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

func TestRegistrySelectsByScheme(t *testing.T) {
	r := NewRegistry()
	deliver := func(domain.Envelope) {}

	tr, err := r.Create(port.TransportConfig{URL: "wss://gw.example.com/janus", Deliver: deliver})
	if err != nil {
		t.Fatalf("create ws transport: %v", err)
	}
	if _, ok := tr.(*ws.Transport); !ok {
		t.Fatalf("wss url built %T, want *ws.Transport", tr)
	}

	tr, err = r.Create(port.TransportConfig{URL: "https://gw.example.com/janus", Deliver: deliver})
	if err != nil {
		t.Fatalf("create longpoll transport: %v", err)
	}
	if _, ok := tr.(*longpoll.Transport); !ok {
		t.Fatalf("https url built %T, want *longpoll.Transport", tr)
	}
}

func TestRegistryRejectsUnknownScheme(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(port.TransportConfig{URL: "ftp://gw.example.com/janus"}); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestRegistryRejectsAmbiguousMatch(t *testing.T) {
	r := port.NewTransportRegistry()
	any := func(string) bool { return true }
	r.Register(any, ws.Factory)
	r.Register(any, longpoll.Factory)

	if _, err := r.Create(port.TransportConfig{URL: "ws://gw.example.com/janus"}); err == nil {
		t.Fatalf("expected error when two matchers accept")
	}
}

package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
	"github.com/voxline/janusgw/internal/testutil/mockjanus"
)

func TestConnectSendReceive(t *testing.T) {
	srv := mockjanus.New()
	defer srv.Close()

	inbound := make(chan domain.Envelope, 8)
	tr, err := Factory(port.TransportConfig{
		URL:     srv.WSURL(),
		Deliver: func(env domain.Envelope) { inbound <- env },
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	if err := tr.Send(context.Background(), &domain.Envelope{Janus: domain.KindCreate, Transaction: "tok-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var reply domain.Envelope
	select {
	case reply = <-inbound:
	case <-time.After(5 * time.Second):
		t.Fatalf("no create reply")
	}
	if reply.Janus != domain.KindSuccess || reply.Data == nil || reply.Transaction != "tok-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	// Session-stamped traffic routes to the bound sink, not the default.
	sid := reply.Data.ID
	sessionInbound := make(chan domain.Envelope, 8)
	tr.SessionCreated(sid, func(env domain.Envelope) { sessionInbound <- env })
	srv.Push(sid, domain.Envelope{Janus: domain.KindEvent, SessionID: sid, Sender: 7})

	select {
	case env := <-sessionInbound:
		if env.Sender != 7 {
			t.Fatalf("unexpected event %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pushed event not delivered to session sink")
	}
	select {
	case env := <-inbound:
		t.Fatalf("session event leaked to default sink: %+v", env)
	default:
	}

	tr.SessionDestroyed(sid)
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestSendNotConnected(t *testing.T) {
	tr, err := Factory(port.TransportConfig{URL: "ws://127.0.0.1:1/janus", Deliver: func(domain.Envelope) {}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	err = tr.Send(context.Background(), &domain.Envelope{Janus: domain.KindCreate})
	var serr *domain.SendError
	if !errors.As(err, &serr) || !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("err = %v, want SendError wrapping ErrNotConnected", err)
	}
}

func TestConnectFailure(t *testing.T) {
	tr, err := Factory(port.TransportConfig{
		URL:                "ws://127.0.0.1:1/janus",
		MaxConnectAttempts: 2,
		Deliver:            func(domain.Envelope) {},
	})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	err = tr.Connect(context.Background())
	var cerr *domain.ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want ConnectError", err)
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	tr, err := Factory(port.TransportConfig{URL: "ws://127.0.0.1:1/janus", Deliver: func(domain.Envelope) {}})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect on fresh transport: %v", err)
	}
}

func TestMatches(t *testing.T) {
	for url, want := range map[string]bool{
		"ws://host/janus":    true,
		"wss://host/janus":   true,
		"http://host/janus":  false,
		"https://host/janus": false,
	} {
		if got := Matches(url); got != want {
			t.Fatalf("Matches(%q) = %v, want %v", url, got, want)
		}
	}
}

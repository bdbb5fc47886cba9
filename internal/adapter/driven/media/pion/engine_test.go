package pion

import (
	"context"
	"strings"
	"testing"

	"github.com/voxline/janusgw/internal/core/domain"
)

func TestCreateOffer(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	offer, err := e.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if offer.Type != domain.JsepOffer {
		t.Fatalf("type = %q, want offer", offer.Type)
	}
	if !strings.Contains(offer.SDP, "m=audio") || !strings.Contains(offer.SDP, "m=video") {
		t.Fatalf("offer lacks media sections:\n%s", offer.SDP)
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	caller, err := NewEngine()
	if err != nil {
		t.Fatalf("caller engine: %v", err)
	}
	defer caller.Close()
	callee, err := NewEngine()
	if err != nil {
		t.Fatalf("callee engine: %v", err)
	}
	defer callee.Close()

	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	answer, err := callee.CreateAnswer(context.Background(), offer)
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if answer.Type != domain.JsepAnswer {
		t.Fatalf("type = %q, want answer", answer.Type)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
}

func TestResetAllowsRenegotiation(t *testing.T) {
	e, err := NewEngine()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer e.Close()

	if _, err := e.CreateOffer(context.Background()); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := e.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := e.CreateOffer(context.Background()); err != nil {
		t.Fatalf("offer after reset: %v", err)
	}
}

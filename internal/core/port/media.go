package port

import (
	"context"

	"github.com/voxline/janusgw/internal/core/domain"
)

// NegotiationEngine is the external media engine behind a handle, driven only
// through an opaque offer/answer/candidate exchange. A handle owns exactly
// one instance for its lifetime; renegotiation goes through Reset.
type NegotiationEngine interface {
	CreateOffer(ctx context.Context) (domain.Jsep, error)
	CreateAnswer(ctx context.Context, offer domain.Jsep) (domain.Jsep, error)
	SetRemoteDescription(desc domain.Jsep) error
	AddCandidate(c domain.Candidate) error

	// OnLocalCandidate registers the trickle callback. A nil candidate
	// signals the end of gathering.
	OnLocalCandidate(fn func(c *domain.Candidate))

	// Reset returns the engine to a fresh negotiation state without
	// creating a second concurrent instance.
	Reset() error

	Close() error
}

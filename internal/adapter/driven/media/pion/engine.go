// Package pion backs a handle's negotiation with a pion PeerConnection.
package pion

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/domain"
)

// Engine implements port.NegotiationEngine on one PeerConnection. Reset
// swaps the connection in place so a handle never races two engines.
type Engine struct {
	api *webrtc.API

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	onCandidate func(c *domain.Candidate)
}

func NewEngine() (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	e := &Engine{api: webrtc.NewAPI(webrtc.WithMediaEngine(m))}
	if err := e.Reset(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reset discards the current PeerConnection and builds a fresh one for
// renegotiation.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc != nil {
		if err := e.pc.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close previous peer connection")
		}
		e.pc = nil
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	// Sendrecv transceivers so the offer carries m=audio and m=video
	// sections even before any track is added.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		e.mu.Lock()
		cb := e.onCandidate
		e.mu.Unlock()
		if cb == nil {
			return
		}
		if c == nil {
			cb(nil)
			return
		}
		init := c.ToJSON()
		out := domain.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		cb(&out)
	})

	e.pc = pc
	return nil
}

func (e *Engine) OnLocalCandidate(fn func(c *domain.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

// CreateOffer produces a local offer, waiting briefly for candidate
// gathering to start so non-trickling peers get a usable SDP.
func (e *Engine) CreateOffer(ctx context.Context) (domain.Jsep, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return domain.Jsep{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.Jsep{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-gctx.Done():
	}

	return domain.Jsep{Type: domain.JsepOffer, SDP: pc.LocalDescription().SDP, Trickle: true}, nil
}

// CreateAnswer applies a remote offer and produces the local answer.
func (e *Engine) CreateAnswer(ctx context.Context, offer domain.Jsep) (domain.Jsep, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer.SDP,
	}); err != nil {
		return domain.Jsep{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.Jsep{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.Jsep{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-gctx.Done():
	}

	return domain.Jsep{Type: domain.JsepAnswer, SDP: pc.LocalDescription().SDP, Trickle: true}, nil
}

func (e *Engine) SetRemoteDescription(desc domain.Jsep) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	sdpType := webrtc.SDPTypeAnswer
	if desc.Type == domain.JsepOffer {
		sdpType = webrtc.SDPTypeOffer
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (e *Engine) AddCandidate(c domain.Candidate) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if c.Completed {
		// Empty candidate marks end-of-candidates.
		return pc.AddICECandidate(webrtc.ICECandidateInit{})
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return nil
	}
	err := e.pc.Close()
	e.pc = nil
	return err
}

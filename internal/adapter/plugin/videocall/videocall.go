// Package videocall drives the gateway's VideoCall plugin: one-to-one calls
// between registered usernames.
package videocall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/client"
	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const PluginName = "janus.plugin.videocall"

// Event is one parsed videocall plugin event, e.g. "incomingcall",
// "accepted" or "hangup".
type Event struct {
	Kind     string
	Username string
	Jsep     *domain.Jsep
}

// Handler implements port.PluginHandler for the VideoCall plugin.
type Handler struct {
	engine port.NegotiationEngine
	events chan Event
}

func New(engine port.NegotiationEngine) *Handler {
	return &Handler{engine: engine, events: make(chan Event, 8)}
}

func (h *Handler) PluginName() string { return PluginName }

func (h *Handler) Events() <-chan Event { return h.events }

func (h *Handler) OnMessage(env domain.Envelope) error {
	if env.PluginData == nil {
		return nil
	}
	var data struct {
		VideoCall string `json:"videocall"`
		Result    struct {
			Event    string `json:"event"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.Unmarshal(env.PluginData.Data, &data); err != nil {
		return fmt.Errorf("videocall event: %w", err)
	}
	if data.VideoCall != "event" {
		return nil
	}
	ev := Event{Kind: data.Result.Event, Username: data.Result.Username, Jsep: env.Jsep}
	select {
	case h.events <- ev:
	default:
		log.Warn().Str("event", ev.Kind).Msg("Videocall event buffer full")
	}
	return nil
}

func (h *Handler) OnRemoteDescription(jsep domain.Jsep) error {
	if h.engine == nil {
		return nil
	}
	return h.engine.SetRemoteDescription(jsep)
}

type request struct {
	Request  string `json:"request"`
	Username string `json:"username,omitempty"`
}

// Register claims a username on the plugin.
func (h *Handler) Register(ctx context.Context, handle *client.Handle, username string) (domain.Envelope, error) {
	return handle.Message(ctx, request{Request: "register", Username: username}, nil)
}

// List returns the registered peers.
func (h *Handler) List(ctx context.Context, handle *client.Handle) (domain.Envelope, error) {
	return handle.Message(ctx, request{Request: "list"}, nil)
}

// Call offers a call to username.
func (h *Handler) Call(ctx context.Context, handle *client.Handle, username string) (domain.Envelope, error) {
	var jsep *domain.Jsep
	if h.engine != nil {
		offer, err := h.engine.CreateOffer(ctx)
		if err != nil {
			return domain.Envelope{}, err
		}
		jsep = &offer
	}
	return handle.Message(ctx, request{Request: "call", Username: username}, jsep)
}

// Accept answers an incoming call carrying the remote offer.
func (h *Handler) Accept(ctx context.Context, handle *client.Handle, offer domain.Jsep) (domain.Envelope, error) {
	if h.engine == nil {
		return domain.Envelope{}, fmt.Errorf("accept needs a negotiation engine")
	}
	answer, err := h.engine.CreateAnswer(ctx, offer)
	if err != nil {
		return domain.Envelope{}, err
	}
	return handle.Message(ctx, request{Request: "accept"}, &answer)
}

// Hangup ends the current call.
func (h *Handler) Hangup(ctx context.Context, handle *client.Handle) (domain.Envelope, error) {
	return handle.Message(ctx, request{Request: "hangup"}, nil)
}

// Package echotest drives the gateway's EchoTest plugin, which bounces
// media and plugin events straight back to the caller.
package echotest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/client"
	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const PluginName = "janus.plugin.echotest"

// Event is one parsed echotest plugin event.
type Event struct {
	Result string `json:"result"`
}

// Handler implements port.PluginHandler for the EchoTest plugin.
type Handler struct {
	engine port.NegotiationEngine
	events chan Event
}

// New builds a handler backed by engine. The engine also receives any
// remote descriptions routed to the handle.
func New(engine port.NegotiationEngine) *Handler {
	return &Handler{engine: engine, events: make(chan Event, 8)}
}

func (h *Handler) PluginName() string { return PluginName }

// Events surfaces parsed plugin events for callers that want them.
func (h *Handler) Events() <-chan Event { return h.events }

func (h *Handler) OnMessage(env domain.Envelope) error {
	if env.PluginData == nil {
		return nil
	}
	var data struct {
		EchoTest string `json:"echotest"`
		Result   string `json:"result"`
	}
	if err := json.Unmarshal(env.PluginData.Data, &data); err != nil {
		return fmt.Errorf("echotest event: %w", err)
	}
	select {
	case h.events <- Event{Result: data.Result}:
	default:
		log.Warn().Str("result", data.Result).Msg("Echotest event buffer full")
	}
	return nil
}

func (h *Handler) OnRemoteDescription(jsep domain.Jsep) error {
	if h.engine == nil {
		return nil
	}
	return h.engine.SetRemoteDescription(jsep)
}

// StartBody is the echotest start request.
type StartBody struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Start offers media to the plugin and returns the gateway's event reply,
// which carries the answer description.
func (h *Handler) Start(ctx context.Context, handle *client.Handle, body StartBody) (domain.Envelope, error) {
	var jsep *domain.Jsep
	if h.engine != nil {
		offer, err := h.engine.CreateOffer(ctx)
		if err != nil {
			return domain.Envelope{}, err
		}
		jsep = &offer
	}
	return handle.Message(ctx, body, jsep)
}

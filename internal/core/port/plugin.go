package port

import "github.com/voxline/janusgw/internal/core/domain"

// PluginHandler is the capability a plugin implementation exposes to its
// handle. Dispatch goes through this interface, not inheritance; a handle
// stores its state machine and the implementor side by side.
type PluginHandler interface {
	// PluginName is the gateway-side plugin package name to attach to.
	PluginName() string

	// OnMessage receives unsolicited plugin events that no transaction
	// claimed. Errors are reported on the handle's error channel, never
	// re-raised into session dispatch.
	OnMessage(env domain.Envelope) error

	// OnRemoteDescription receives a negotiation description addressed to
	// this handle, to forward to the negotiation engine.
	OnRemoteDescription(jsep domain.Jsep) error
}

package domain

import "encoding/json"

// Envelope kinds, as carried in the "janus" discriminator field.
const (
	KindCreate     = "create"
	KindAttach     = "attach"
	KindMessage    = "message"
	KindTrickle    = "trickle"
	KindKeepalive  = "keepalive"
	KindDetach     = "detach"
	KindDestroy    = "destroy"
	KindInfo       = "info"
	KindPing       = "ping"

	KindAck        = "ack"
	KindSuccess    = "success"
	KindError      = "error"
	KindEvent      = "event"
	KindPong       = "pong"
	KindServerInfo = "server_info"
	KindWebRTCUp   = "webrtcup"
	KindMedia      = "media"
	KindHangup     = "hangup"
	KindSlowLink   = "slowlink"
	KindTimeout    = "timeout"
	KindDetached   = "detached"
)

// Envelope is one JSON message unit exchanged with the gateway.
// The body, plugin data and JSEP payloads are opaque to the core.
type Envelope struct {
	Janus       string          `json:"janus"`
	Transaction string          `json:"transaction,omitempty"`
	SessionID   uint64          `json:"session_id,omitempty"`
	HandleID    uint64          `json:"handle_id,omitempty"`
	Sender      uint64          `json:"sender,omitempty"`
	Plugin      string          `json:"plugin,omitempty"`
	Plugins     []string        `json:"plugins,omitempty"`
	APISecret   string          `json:"apisecret,omitempty"`
	AdminSecret string          `json:"admin_secret,omitempty"`
	Token       string          `json:"token,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Jsep        *Jsep           `json:"jsep,omitempty"`
	Candidate   *Candidate      `json:"candidate,omitempty"`
	Candidates  []Candidate     `json:"candidates,omitempty"`
	PluginData  *PluginData     `json:"plugindata,omitempty"`
	Data        *ServerData     `json:"data,omitempty"`
	Error       *ServerError    `json:"error,omitempty"`

	// Admin/Monitor replies.
	Sessions []uint64        `json:"sessions,omitempty"`
	Handles  []uint64        `json:"handles,omitempty"`
	Info     json.RawMessage `json:"info,omitempty"`

	// Raw holds the undecoded wire bytes of an inbound envelope, for callers
	// that need fields outside the typed projection (e.g. server_info).
	Raw json.RawMessage `json:"-"`
}

// OwnerHandle returns the handle id an inbound envelope is addressed to.
// Asynchronous events use "sender" while request echoes use "handle_id".
func (e *Envelope) OwnerHandle() uint64 {
	if e.Sender != 0 {
		return e.Sender
	}
	return e.HandleID
}

// Jsep is an opaque offer/answer negotiation description. The core only
// inspects Type to drive the handle state machine.
type Jsep struct {
	Type    string `json:"type"`
	SDP     string `json:"sdp"`
	Trickle bool   `json:"trickle,omitempty"`
}

const (
	JsepOffer  = "offer"
	JsepAnswer = "answer"
)

// Candidate is one trickled ICE candidate. A Completed candidate marks the
// end of trickling.
type Candidate struct {
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
	Completed     bool   `json:"completed,omitempty"`
}

// PluginData is the plugin-specific payload of an event envelope.
type PluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

// ServerData carries server-assigned ids from create/attach replies.
type ServerData struct {
	ID uint64 `json:"id"`
}

// ServerError is the error object of a well-formed "error" envelope.
type ServerError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Decode unmarshals raw wire bytes into an Envelope, keeping the original
// bytes in Raw.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = append([]byte(nil), data...)
	return env, nil
}

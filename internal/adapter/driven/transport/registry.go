// Package transport assembles the default transport registry.
package transport

import (
	"github.com/voxline/janusgw/internal/adapter/driven/transport/longpoll"
	"github.com/voxline/janusgw/internal/adapter/driven/transport/ws"
	"github.com/voxline/janusgw/internal/core/port"
)

// NewRegistry returns a registry with the built-in transports: websocket for
// ws/wss endpoints, HTTP long-poll for http/https. Callers may register
// additional schemes on the returned value.
func NewRegistry() *port.TransportRegistry {
	r := port.NewTransportRegistry()
	r.Register(ws.Matches, ws.Factory)
	r.Register(longpoll.Matches, longpoll.Factory)
	return r
}

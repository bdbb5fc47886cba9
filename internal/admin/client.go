// Package admin is a thin Admin/Monitor API client. It reuses the same
// transaction table and transport layer as the session client, speaking the
// janus-admin-protocol endpoint.
package admin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/client"
	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const adminSubprotocol = "janus-admin-protocol"

// Admin request verbs.
const (
	kindListSessions  = "list_sessions"
	kindListHandles   = "list_handles"
	kindHandleInfo    = "handle_info"
	kindAddToken      = "add_token"
	kindListTokens    = "list_tokens"
	kindRemoveToken   = "remove_token"
	kindAllowToken    = "allow_token"
	kindDisallowToken = "disallow_token"
)

// Config assembles an admin client.
type Config struct {
	URL         string
	AdminSecret string
	APISecret   string
	Token       string

	RequestTimeout time.Duration

	Registry  *port.TransportRegistry
	Transport port.Transport
}

// Client asks the gateway for information about live sessions and handles
// and manages stored auth tokens.
type Client struct {
	cfg       Config
	transport port.Transport
	txns      *client.Table
	log       zerolog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = client.DefaultRequestTimeout
	}
	c := &Client{
		cfg:  cfg,
		txns: client.NewTable(),
		log:  log.With().Str("admin", cfg.URL).Logger(),
	}
	c.transport = cfg.Transport
	if c.transport == nil {
		tr, err := cfg.Registry.Create(port.TransportConfig{
			URL:         cfg.URL,
			APISecret:   cfg.APISecret,
			Token:       cfg.Token,
			Subprotocol: adminSubprotocol,
			Deliver:     c.deliver,
		})
		if err != nil {
			return nil, err
		}
		c.transport = tr
	}
	return c, nil
}

func (c *Client) Connect(ctx context.Context) error { return c.transport.Connect(ctx) }

func (c *Client) Close() error {
	c.txns.CancelAll(domain.ErrCancelled)
	return c.transport.Disconnect()
}

// deliver feeds replies to the table; the admin API has no handle events.
func (c *Client) deliver(env domain.Envelope) {
	if !c.txns.Feed(&env) {
		c.log.Debug().Str("janus", env.Janus).Msg("Unclaimed admin envelope")
	}
}

func (c *Client) roundTrip(ctx context.Context, env *domain.Envelope, kinds []string, authorize bool) (domain.Envelope, error) {
	match := func(token string) domain.MatchFunc {
		return domain.AnyOf(
			domain.Fingerprint{Transaction: token, Kinds: kinds}.Match,
			domain.Fingerprint{Transaction: token, Kinds: []string{domain.KindError}}.Match,
		)
	}
	tx := c.txns.Register(match, c.cfg.RequestTimeout)
	env.Transaction = tx.Token()
	if authorize {
		env.AdminSecret = c.cfg.AdminSecret
	}

	if err := c.transport.Send(ctx, env); err != nil {
		c.txns.Discard(tx)
		return domain.Envelope{}, err
	}
	reply, err := tx.Await(ctx)
	if err != nil {
		return domain.Envelope{}, err
	}
	if reply.Janus == domain.KindError {
		return reply, domain.NewProtocolError(&reply)
	}
	return reply, nil
}

// Ping is a liveness probe; it needs no admin secret.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, &domain.Envelope{Janus: domain.KindPing}, []string{domain.KindPong}, false)
	return err
}

// Info returns the gateway's server_info envelope; decode Raw for the full
// blob.
func (c *Client) Info(ctx context.Context) (domain.Envelope, error) {
	return c.roundTrip(ctx, &domain.Envelope{Janus: domain.KindInfo}, []string{domain.KindServerInfo}, false)
}

// ListSessions returns the ids of all live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]uint64, error) {
	reply, err := c.roundTrip(ctx, &domain.Envelope{Janus: kindListSessions}, []string{domain.KindSuccess}, true)
	if err != nil {
		return nil, err
	}
	return reply.Sessions, nil
}

// ListHandles returns the ids of the handles attached to a session.
func (c *Client) ListHandles(ctx context.Context, sessionID uint64) ([]uint64, error) {
	env := &domain.Envelope{Janus: kindListHandles, SessionID: sessionID}
	reply, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	if err != nil {
		return nil, err
	}
	return reply.Handles, nil
}

// HandleInfo returns the gateway's opaque info blob for one handle.
func (c *Client) HandleInfo(ctx context.Context, sessionID, handleID uint64) (json.RawMessage, error) {
	env := &domain.Envelope{Janus: kindHandleInfo, SessionID: sessionID, HandleID: handleID}
	reply, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	if err != nil {
		return nil, err
	}
	return reply.Info, nil
}

// AddToken registers a stored auth token.
func (c *Client) AddToken(ctx context.Context, token string) error {
	env := &domain.Envelope{Janus: kindAddToken, Token: token}
	_, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	return err
}

// ListTokens returns the stored auth tokens.
func (c *Client) ListTokens(ctx context.Context) ([]string, error) {
	reply, err := c.roundTrip(ctx, &domain.Envelope{Janus: kindListTokens}, []string{domain.KindSuccess}, true)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Data struct {
			Tokens []struct {
				Token string `json:"token"`
			} `json:"tokens"`
		} `json:"data"`
	}
	if err := json.Unmarshal(reply.Raw, &payload); err != nil {
		return nil, err
	}
	tokens := make([]string, 0, len(payload.Data.Tokens))
	for _, t := range payload.Data.Tokens {
		tokens = append(tokens, t.Token)
	}
	return tokens, nil
}

// RemoveToken revokes a stored auth token.
func (c *Client) RemoveToken(ctx context.Context, token string) error {
	env := &domain.Envelope{Janus: kindRemoveToken, Token: token}
	_, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	return err
}

// AllowToken grants a stored token access to the named plugins, or to all
// plugins when the list is empty.
func (c *Client) AllowToken(ctx context.Context, token string, plugins []string) error {
	env := &domain.Envelope{Janus: kindAllowToken, Token: token, Plugins: plugins}
	_, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	return err
}

// DisallowToken revokes a stored token's access to the named plugins.
func (c *Client) DisallowToken(ctx context.Context, token string, plugins []string) error {
	env := &domain.Envelope{Janus: kindDisallowToken, Token: token, Plugins: plugins}
	_, err := c.roundTrip(ctx, env, []string{domain.KindSuccess}, true)
	return err
}

// Package longpoll is the polling transport variant: requests are
// synchronous HTTP round trips whose responses ride back on the same
// exchange, while a background long-poll loop per session surfaces
// asynchronous server-initiated events.
package longpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxline/janusgw/internal/core/domain"
	"github.com/voxline/janusgw/internal/core/port"
)

const defaultMaxPollBackoff = 10 * time.Second

// Matches is the registry predicate for this transport.
func Matches(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// Factory builds a long-poll transport. Registered under http:// and https://.
func Factory(cfg port.TransportConfig) (port.Transport, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, &domain.ConnectError{URL: cfg.URL, Err: err}
	}
	maxBackoff := cfg.MaxPollBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxPollBackoff
	}
	return &Transport{
		cfg:        cfg,
		base:       strings.TrimRight(cfg.URL, "/"),
		client:     &http.Client{},
		maxBackoff: maxBackoff,
		log:        log.With().Str("transport", "longpoll").Str("url", cfg.URL).Logger(),
		pollers:    make(map[uint64]*poller),
	}, nil
}

type poller struct {
	sink   port.Inbound
	cancel context.CancelFunc
	done   chan struct{}
}

// Transport implements port.Transport over the gateway's HTTP API. One
// instance can serve several sessions; inbound traffic is demultiplexed by
// session id through the per-session poll loops.
type Transport struct {
	cfg        port.TransportConfig
	base       string
	client     *http.Client
	maxBackoff time.Duration
	log        zerolog.Logger

	mu        sync.Mutex
	connected bool
	pollers   map[uint64]*poller
}

// Connect marks the transport usable. Long-polling has no persistent
// physical connection to establish.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Disconnect stops every poll loop and rejects further sends.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	stopped := make([]*poller, 0, len(t.pollers))
	for id, p := range t.pollers {
		stopped = append(stopped, p)
		delete(t.pollers, id)
	}
	t.mu.Unlock()

	for _, p := range stopped {
		p.cancel()
		<-p.done
	}
	return nil
}

func (t *Transport) endpoint(sessionID, handleID uint64) string {
	u := t.base
	if sessionID != 0 {
		u = fmt.Sprintf("%s/%d", u, sessionID)
		if handleID != 0 {
			u = fmt.Sprintf("%s/%d", u, handleID)
		}
	}
	return u
}

// Send posts the envelope and feeds the HTTP response back through the
// delivery path, exactly as if it had arrived on a poll.
func (t *Transport) Send(ctx context.Context, env *domain.Envelope) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return &domain.SendError{Err: domain.ErrNotConnected}
	}

	// The info request is the one verb the HTTP API exposes as a GET.
	if env.Janus == domain.KindInfo {
		return t.sendInfo(ctx, env)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(env.SessionID, env.HandleID), bytes.NewReader(body))
	if err != nil {
		return &domain.SendError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.SendError{Err: fmt.Errorf("gateway returned %s", resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	reply, err := domain.Decode(data)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	t.dispatch(reply)
	return nil
}

func (t *Transport) sendInfo(ctx context.Context, env *domain.Envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+"/info", nil)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.SendError{Err: fmt.Errorf("gateway returned %s", resp.Status)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	reply, err := domain.Decode(data)
	if err != nil {
		return &domain.SendError{Err: err}
	}
	// The info endpoint does not echo a transaction; restore the caller's
	// token so the reply resolves its wait.
	if reply.Transaction == "" {
		reply.Transaction = env.Transaction
	}
	t.dispatch(reply)
	return nil
}

// SessionCreated starts the long-poll loop delivering that session's
// asynchronous events to sink.
func (t *Transport) SessionCreated(id uint64, sink port.Inbound) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{sink: sink, cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	if old := t.pollers[id]; old != nil {
		old.cancel()
	}
	t.pollers[id] = p
	t.mu.Unlock()

	go t.poll(ctx, id, sink, p.done)
}

// SessionDestroyed stops the session's poll loop and waits for it to exit.
func (t *Transport) SessionDestroyed(id uint64) {
	t.mu.Lock()
	p := t.pollers[id]
	delete(t.pollers, id)
	t.mu.Unlock()
	if p != nil {
		p.cancel()
		<-p.done
	}
}

func (t *Transport) pollURL(sessionID uint64) string {
	q := url.Values{}
	q.Set("maxev", "1")
	if t.cfg.APISecret != "" {
		q.Set("apisecret", t.cfg.APISecret)
	}
	if t.cfg.Token != "" {
		q.Set("token", t.cfg.Token)
	}
	return fmt.Sprintf("%s/%d?%s", t.base, sessionID, q.Encode())
}

// poll issues blocking "anything pending for this session" requests until
// the session is destroyed. Failures back off up to the configured cap.
func (t *Transport) poll(ctx context.Context, sessionID uint64, sink port.Inbound, done chan struct{}) {
	defer close(done)
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: t.maxBackoff, Jitter: true}
	logger := t.log.With().Uint64("session_id", sessionID).Logger()

	for ctx.Err() == nil {
		env, err := t.pollOnce(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Long poll failed")
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.Reset()

		// Poll filler confirming liveness, nothing to route.
		if env.Janus == domain.KindKeepalive {
			continue
		}
		sink(env)
	}
}

func (t *Transport) pollOnce(ctx context.Context, sessionID uint64) (domain.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.pollURL(sessionID), nil)
	if err != nil {
		return domain.Envelope{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return domain.Envelope{}, fmt.Errorf("gateway returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Decode(data)
}

// dispatch demultiplexes by session id: envelopes for a bound session go to
// its sink, everything else (pre-session replies included) to the default.
func (t *Transport) dispatch(env domain.Envelope) {
	t.mu.Lock()
	p := t.pollers[env.SessionID]
	t.mu.Unlock()
	if p != nil {
		p.sink(env)
		return
	}
	t.cfg.Deliver(env)
}

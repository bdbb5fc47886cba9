// Package mockjanus is an in-process gateway double for tests. It speaks
// both the websocket and the HTTP long-poll API, with just enough protocol
// behavior to exercise the client: create/attach/message/trickle/keepalive/
// detach/destroy, ack-then-event replies, and injectable failures.
package mockjanus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxline/janusgw/internal/core/domain"
)

const (
	// EventDelay separates the ack from the asynchronous event reply.
	EventDelay = 10 * time.Millisecond

	pollIdle = 2 * time.Second
)

// Server is the mock gateway.
type Server struct {
	httpSrv *httptest.Server

	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*session
	tokens   []string

	// AttachFailure, when set, rejects attach requests with this error.
	AttachFailure *domain.ServerError

	// SilenceMessages suppresses the asynchronous event after the ack, to
	// let tests drive transaction timeouts.
	SilenceMessages bool
}

type session struct {
	id      uint64
	handles map[uint64]string

	mu    sync.Mutex
	conn  *websocket.Conn // set while served over websocket
	queue chan domain.Envelope
}

// New starts a mock gateway on an ephemeral port.
func New() *Server {
	s := &Server{
		nextID:   1000,
		sessions: make(map[uint64]*session),
	}

	r := chi.NewRouter()
	r.Get("/janus", s.serveWS)
	r.Get("/janus/info", s.serveInfo)
	r.Post("/janus", s.servePost)
	r.Post("/janus/{session}", s.servePost)
	r.Post("/janus/{session}/{handle}", s.servePost)
	r.Get("/janus/{session}", s.servePoll)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL is the long-poll endpoint.
func (s *Server) URL() string { return s.httpSrv.URL + "/janus" }

// WSURL is the websocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/janus"
}

func (s *Server) Close() { s.httpSrv.Close() }

func (s *Server) allocID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *Server) session(id uint64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// Push delivers an asynchronous envelope to a session, over its websocket
// if one is live, otherwise onto its long-poll queue.
func (s *Server) Push(sessionID uint64, env domain.Envelope) {
	sess := s.session(sessionID)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	conn := sess.conn
	sess.mu.Unlock()
	if conn != nil {
		sess.writeWS(env)
		return
	}
	select {
	case sess.queue <- env:
	default:
	}
}

func (sess *session) writeWS(env domain.Envelope) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn != nil {
		_ = sess.conn.WriteJSON(env)
	}
}

// handle processes one request and returns the synchronous reply. Deferred
// events are scheduled through Push.
func (s *Server) handle(env domain.Envelope) domain.Envelope {
	switch env.Janus {
	case domain.KindCreate:
		id := s.allocID()
		s.mu.Lock()
		s.sessions[id] = &session{
			id:      id,
			handles: make(map[uint64]string),
			queue:   make(chan domain.Envelope, 16),
		}
		s.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Data: &domain.ServerData{ID: id}}

	case domain.KindAttach:
		if s.AttachFailure != nil {
			return domain.Envelope{Janus: domain.KindError, Transaction: env.Transaction, Error: s.AttachFailure}
		}
		sess := s.session(env.SessionID)
		if sess == nil {
			return s.noSuchSession(env.Transaction)
		}
		id := s.allocID()
		sess.mu.Lock()
		sess.handles[id] = env.Plugin
		sess.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Data: &domain.ServerData{ID: id}}

	case domain.KindKeepalive:
		return domain.Envelope{Janus: domain.KindAck, Transaction: env.Transaction}

	case domain.KindTrickle:
		return domain.Envelope{Janus: domain.KindAck, Transaction: env.Transaction}

	case domain.KindMessage:
		sess := s.session(env.SessionID)
		if sess == nil {
			return s.noSuchSession(env.Transaction)
		}
		if !s.SilenceMessages {
			event := s.messageEvent(&env)
			time.AfterFunc(EventDelay, func() { s.Push(env.SessionID, event) })
		}
		return domain.Envelope{Janus: domain.KindAck, Transaction: env.Transaction}

	case domain.KindDetach:
		if sess := s.session(env.SessionID); sess != nil {
			sess.mu.Lock()
			delete(sess.handles, env.HandleID)
			sess.mu.Unlock()
		}
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction}

	case domain.KindDestroy:
		s.mu.Lock()
		delete(s.sessions, env.SessionID)
		s.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction}

	case domain.KindInfo:
		return domain.Envelope{Janus: domain.KindServerInfo, Transaction: env.Transaction}

	case domain.KindPing:
		return domain.Envelope{Janus: domain.KindPong, Transaction: env.Transaction}

	case "list_sessions":
		s.mu.Lock()
		ids := make([]uint64, 0, len(s.sessions))
		for id := range s.sessions {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Sessions: ids}

	case "list_handles":
		sess := s.session(env.SessionID)
		if sess == nil {
			return s.noSuchSession(env.Transaction)
		}
		sess.mu.Lock()
		ids := make([]uint64, 0, len(sess.handles))
		for id := range sess.handles {
			ids = append(ids, id)
		}
		sess.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Handles: ids}

	case "handle_info":
		info, _ := json.Marshal(map[string]uint64{"session_id": env.SessionID, "handle_id": env.HandleID})
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Info: info}

	case "add_token":
		s.mu.Lock()
		s.tokens = append(s.tokens, env.Token)
		s.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction}

	case "allow_token", "disallow_token":
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction}

	case "list_tokens":
		s.mu.Lock()
		items := make([]map[string]string, 0, len(s.tokens))
		for _, t := range s.tokens {
			items = append(items, map[string]string{"token": t})
		}
		s.mu.Unlock()
		raw, _ := json.Marshal(map[string]any{
			"janus":       domain.KindSuccess,
			"transaction": env.Transaction,
			"data":        map[string]any{"tokens": items},
		})
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction, Raw: raw}

	case "remove_token":
		s.mu.Lock()
		kept := s.tokens[:0]
		for _, t := range s.tokens {
			if t != env.Token {
				kept = append(kept, t)
			}
		}
		s.tokens = kept
		s.mu.Unlock()
		return domain.Envelope{Janus: domain.KindSuccess, Transaction: env.Transaction}

	default:
		return domain.Envelope{
			Janus:       domain.KindError,
			Transaction: env.Transaction,
			Error:       &domain.ServerError{Code: 453, Reason: "unknown request"},
		}
	}
}

// messageEvent echoes the plugin body back, answering any attached offer.
func (s *Server) messageEvent(req *domain.Envelope) domain.Envelope {
	result, _ := json.Marshal(map[string]string{"echotest": "event", "result": "ok"})
	event := domain.Envelope{
		Janus:       domain.KindEvent,
		Transaction: req.Transaction,
		SessionID:   req.SessionID,
		Sender:      req.HandleID,
		PluginData:  &domain.PluginData{Plugin: "janus.plugin.echotest", Data: result},
	}
	if req.Jsep != nil && req.Jsep.Type == domain.JsepOffer {
		event.Jsep = &domain.Jsep{Type: domain.JsepAnswer, SDP: "v=0\r\ns=mock answer\r\n"}
	}
	return event
}

// payload marshals a reply, letting a prebuilt Raw body win over the typed
// envelope for replies whose shape the typed struct cannot express.
func payload(env domain.Envelope) []byte {
	if env.Raw != nil {
		return env.Raw
	}
	data, _ := json.Marshal(env)
	return data
}

func (s *Server) noSuchSession(transaction string) domain.Envelope {
	return domain.Envelope{
		Janus:       domain.KindError,
		Transaction: transaction,
		Error:       &domain.ServerError{Code: 458, Reason: "no such session"},
	}
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"janus-protocol", "janus-admin-protocol"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var bound []*session
	defer func() {
		for _, sess := range bound {
			sess.mu.Lock()
			sess.conn = nil
			sess.mu.Unlock()
		}
	}()

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		reply := s.handle(env)

		// Bind the connection so deferred events reach it.
		if env.Janus == domain.KindCreate && reply.Data != nil {
			if sess := s.session(reply.Data.ID); sess != nil {
				sess.mu.Lock()
				sess.conn = conn
				sess.mu.Unlock()
				bound = append(bound, sess)
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload(reply)); err != nil {
			return
		}
	}
}

func (s *Server) serveInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload(domain.Envelope{Janus: domain.KindServerInfo}))
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	var env domain.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sid := chi.URLParam(r, "session"); sid != "" {
		env.SessionID, _ = strconv.ParseUint(sid, 10, 64)
	}
	if hid := chi.URLParam(r, "handle"); hid != "" {
		env.HandleID, _ = strconv.ParseUint(hid, 10, 64)
	}

	reply := s.handle(env)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload(reply))
}

// servePoll blocks until an event is pending for the session, or answers
// with a keepalive filler after a quiet period.
func (s *Server) servePoll(w http.ResponseWriter, r *http.Request) {
	sid, _ := strconv.ParseUint(chi.URLParam(r, "session"), 10, 64)
	sess := s.session(sid)
	w.Header().Set("Content-Type", "application/json")
	if sess == nil {
		_ = json.NewEncoder(w).Encode(s.noSuchSession(""))
		return
	}

	select {
	case env := <-sess.queue:
		_ = json.NewEncoder(w).Encode(env)
	case <-time.After(pollIdle):
		_ = json.NewEncoder(w).Encode(domain.Envelope{Janus: domain.KindKeepalive, SessionID: sid})
	case <-r.Context().Done():
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/stellarlinkco/recall/internal/conversation"
	"github.com/stellarlinkco/recall/internal/cron"
	"github.com/stellarlinkco/recall/internal/memory"
	"github.com/stellarlinkco/recall/internal/strategy"
)

const chatPrompt = `You are a helpful assistant. Continue the conversation below. Reply with the assistant's next message only, no role label.

%s`

// Options wire the HTTP gateway to the engine.
type Options struct {
	Host      string
	Port      int
	Manager   *memory.Manager
	Completer strategy.Completer // optional; enables chat replies over /ws
	Cron      *cron.Service      // optional; surfaces job status on /api/health
}

// Server exposes session and long-term memory operations over HTTP, plus a
// websocket chat endpoint that feeds turns through the manager.
type Server struct {
	opts    Options
	server  *http.Server
	clients sync.Map
	nextID  atomic.Int64
	started time.Time
}

type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

func New(opts Options) *Server {
	return &Server{opts: opts}
}

// Handler builds the route table. Exposed separately from Start so tests
// can drive it without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/turns", s.handleAppendTurn)
	mux.HandleFunc("GET /api/context", s.handleContext)
	mux.HandleFunc("POST /api/compress", s.handleCompress)
	mux.HandleFunc("GET /api/memories", s.handleSearchMemories)
	mux.HandleFunc("POST /api/memories", s.handleRemember)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) Start() error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port),
		Handler: s.Handler(),
	}

	go func() {
		log.Printf("[server] listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[server] server error: %v", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			log.Printf("[server] shutdown error: %v", err)
		}
	}
	s.clients.Range(func(key, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	log.Printf("[server] stopped")
	return nil
}

type appendTurnRequest struct {
	SessionID   string `json:"session_id"`
	OwnerUserID string `json:"owner_user_id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

func (s *Server) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var req appendTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.OwnerUserID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id and owner_user_id are required"))
		return
	}
	role, err := conversation.ParseRole(req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	msg, err := s.opts.Manager.AppendTurn(r.Context(), req.SessionID, req.OwnerUserID, role, req.Content)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"message":    msg,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("session query parameter is required"))
		return
	}

	msgs, err := s.opts.Manager.ActiveContext(r.Context(), sessionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"messages":     msgs,
		"total_tokens": conversation.TotalTokens(msgs),
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Strategy  string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id is required"))
		return
	}
	kind := strategy.KindNone
	if req.Strategy != "" {
		parsed, err := strategy.ParseKind(req.Strategy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		kind = parsed
	}

	report, err := s.opts.Manager.ForceCompress(r.Context(), req.SessionID, kind)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSearchMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := memory.SearchQuery{
		OwnerUserID: q.Get("owner"),
		Query:       q.Get("q"),
	}
	if kindStr := q.Get("kind"); kindStr != "" {
		kind, err := memory.ParseKind(kindStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		query.Kind = kind
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", limitStr))
			return
		}
		query.Limit = limit
	}
	if query.OwnerUserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner query parameter is required"))
		return
	}

	records, err := s.opts.Manager.SearchLongTerm(r.Context(), query)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if records == nil {
		records = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerUserID string   `json:"owner_user_id"`
		Text        string   `json:"text"`
		MemoryKind  string   `json:"memory_kind"`
		Topics      []string `json:"topics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.OwnerUserID) == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner_user_id and text are required"))
		return
	}
	var kind memory.Kind
	if req.MemoryKind != "" {
		parsed, err := memory.ParseKind(req.MemoryKind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		kind = parsed
	}

	rec, err := s.opts.Manager.Remember(r.Context(), req.OwnerUserID, req.Text, kind, req.Topics)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.opts.Manager.CloseSession(r.Context(), sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"sessions": s.opts.Manager.SessionCount(),
	}
	if s.opts.Cron != nil {
		health["jobs"] = s.opts.Cron.Jobs()
	}
	writeJSON(w, http.StatusOK, health)
}

// handleWS runs a chat loop: each inbound message becomes a user turn, and
// when a completer is configured its reply is appended as the assistant
// turn and pushed back over the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[server] websocket accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("ws-%d", s.nextID.Add(1))
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = clientID
	}

	client := &wsClient{conn: conn, id: clientID}
	s.clients.Store(clientID, client)
	log.Printf("[server] client connected: %s (session %s)", clientID, sessionID)

	defer func() {
		s.clients.Delete(clientID)
		conn.CloseNow()
		log.Printf("[server] client disconnected: %s", clientID)
	}()

	// Tell the client which session it is on so it can resume later.
	s.writeWS(r.Context(), conn, wsMessage{Type: "session", Content: sessionID})

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || strings.TrimSpace(msg.Content) == "" {
			continue
		}

		if _, err := s.opts.Manager.AppendTurn(r.Context(), sessionID, owner, conversation.RoleUser, msg.Content); err != nil {
			s.writeWS(r.Context(), conn, wsMessage{Type: "error", Content: err.Error()})
			continue
		}

		if s.opts.Completer == nil {
			s.writeWS(r.Context(), conn, wsMessage{Type: "error", Content: "no completion capability configured"})
			continue
		}

		reply, err := s.chatReply(r.Context(), sessionID, owner)
		if err != nil {
			log.Printf("[server] chat reply for %s: %v", sessionID, err)
			s.writeWS(r.Context(), conn, wsMessage{Type: "error", Content: "failed to produce a reply"})
			continue
		}
		s.writeWS(r.Context(), conn, wsMessage{Type: "message", Content: reply})
	}
}

func (s *Server) chatReply(ctx context.Context, sessionID, owner string) (string, error) {
	msgs, err := s.opts.Manager.ActiveContext(ctx, sessionID)
	if err != nil {
		return "", err
	}

	reply, err := s.opts.Completer.Complete(ctx, fmt.Sprintf(chatPrompt, conversation.Transcript(msgs)))
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.New("empty completion")
	}

	if _, err := s.opts.Manager.AppendTurn(ctx, sessionID, owner, conversation.RoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, data)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrSessionExpired):
		return http.StatusGone
	case errors.Is(err, memory.ErrUnknownKind),
		errors.Is(err, strategy.ErrInvalidRequest),
		errors.Is(err, strategy.ErrUnknownStrategy):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

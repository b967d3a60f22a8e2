// ABOUTME: HTTP API handlers for starting conversations, queue control, history and audit
// ABOUTME: JSON bodies in and out; errors are {"error": "..."}

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/metrics"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// StartChatRequest is the JSON request body for POST /api/chats/start.
type StartChatRequest struct {
	CompanyID      string         `json:"companyId,omitempty"`
	ClientName     string         `json:"clientName,omitempty"`
	ClientEmail    string         `json:"clientEmail,omitempty"`
	InitialMessage string         `json:"initialMessage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ConversationResponse is the JSON rendering of a conversation.
type ConversationResponse struct {
	ID                string                   `json:"id"`
	CompanyID         string                   `json:"companyId"`
	Status            store.ConversationStatus `json:"status"`
	QueuePosition     *int                     `json:"queuePosition"`
	StartedAt         time.Time                `json:"startedAt"`
	ClosedAt          *time.Time               `json:"closedAt,omitempty"`
	AssignedAgentID   *string                  `json:"assignedAgentId,omitempty"`
	AssignedAgentName string                   `json:"assignedAgentName,omitempty"`
	ClientUserID      *string                  `json:"clientUserId,omitempty"`
	ClientName        string                   `json:"clientName,omitempty"`
	ClientEmail       string                   `json:"clientEmail,omitempty"`
	Metadata          map[string]any           `json:"metadata,omitempty"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:                c.ID,
		CompanyID:         c.CompanyID,
		Status:            c.Status,
		QueuePosition:     c.QueuePosition,
		StartedAt:         c.StartedAt,
		ClosedAt:          c.ClosedAt,
		AssignedAgentID:   c.AssignedAgentID,
		AssignedAgentName: c.AssignedAgentName,
		ClientUserID:      c.ClientUserID,
		ClientName:        c.ClientName,
		ClientEmail:       c.ClientEmail,
		Metadata:          c.Metadata,
		UpdatedAt:         c.UpdatedAt,
	}
}

// MessagesResponse is the JSON response for GET /api/chats/{id}/messages.
type MessagesResponse struct {
	ConversationID string            `json:"conversationId"`
	Messages       []bus.MessageView `json:"messages"`
	Limit          int               `json:"limit"`
	Offset         int               `json:"offset"`
}

// QueueResponse is the JSON response for GET /api/chats/company/{companyId}/queue.
type QueueResponse struct {
	CompanyID string             `json:"companyId"`
	Queue     []queue.QueueEntry `json:"queue"`
}

// AuditEntryResponse is one audit log row.
type AuditEntryResponse struct {
	ID         string            `json:"id"`
	ActorID    string            `json:"actorId"`
	CompanyID  string            `json:"companyId"`
	Action     store.AuditAction `json:"action"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

var staffRoles = []auth.Role{auth.RoleAgent, auth.RoleManager, auth.RoleAdmin}

// routes builds the HTTP mux. /ws is left out of the request metrics since
// its duration is the lifetime of the socket.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("GET /ws", g.realtime)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, metrics.Handler())
	}

	optional := auth.OptionalAuth(g.verifier)
	required := auth.RequireAuth(g.verifier)
	staff := func(h http.Handler) http.Handler {
		return required(auth.RequireRole(staffRoles...)(h))
	}
	supervisors := func(h http.Handler) http.Handler {
		return required(auth.RequireRole(auth.RoleManager, auth.RoleAdmin)(h))
	}

	route := func(pattern string, wrap func(http.Handler) http.Handler, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Middleware(pattern, wrap(h)))
	}
	route("POST /api/chats/start", optional, g.handleStartChat)
	route("GET /api/chats/{id}/queue-status", optional, g.handleQueueStatus)
	route("PUT /api/chats/{id}/queue", staff, g.handleUpdateQueue)
	route("GET /api/chats/company/{companyId}/queue", staff, g.handleCompanyQueue)
	route("GET /api/chats/{id}/messages", required, g.handleListMessages)
	route("GET /api/chats/{id}/transcript", staff, g.handleTranscript)
	route("GET /api/audit", supervisors, g.handleAudit)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// sendServiceError maps a service error to its HTTP status. Unexpected
// errors are logged and reported generically.
func (g *Gateway) sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingress.ErrValidation):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingress.ErrForbidden):
		sendJSONError(w, http.StatusForbidden, err.Error())
	default:
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// mayAccess reports whether the caller may see conv. Staff see their
// company's conversations; clients see their own, or an anonymous one of
// their company. Anonymous callers are decided by the route.
func mayAccess(id *auth.Identity, conv *store.Conversation) bool {
	if id.IsStaff() {
		return id.CompanyID == conv.CompanyID
	}
	if conv.ClientUserID != nil {
		return *conv.ClientUserID == id.UserID
	}
	return id.CompanyID == "" || id.CompanyID == conv.CompanyID
}

// loadConversation fetches the path's conversation and checks the caller may
// see it. It writes the error response and returns nil on failure.
func (g *Gateway) loadConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return nil
	}
	if id := auth.FromContext(r.Context()); id != nil && !mayAccess(id, conv) {
		sendJSONError(w, http.StatusForbidden, "not allowed to access this conversation")
		return nil
	}
	return conv
}

// handleStartChat handles POST /api/chats/start. The company comes from the
// token, then the X-Company-ID header, then the body.
func (g *Gateway) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var req StartChatRequest
	if !decodeBody(w, r, &req) {
		return
	}

	start := conversation.StartRequest{
		CompanyID:      req.CompanyID,
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		InitialMessage: req.InitialMessage,
		Metadata:       req.Metadata,
	}
	if h := strings.TrimSpace(r.Header.Get("X-Company-ID")); h != "" {
		start.CompanyID = h
	}
	if id := auth.FromContext(r.Context()); id != nil {
		if id.CompanyID != "" {
			start.CompanyID = id.CompanyID
		}
		if !id.IsStaff() {
			start.ClientUserID = id.UserID
			if start.ClientName == "" {
				start.ClientName = id.Name
			}
			if start.ClientEmail == "" {
				start.ClientEmail = id.Email
			}
		}
	}

	result, err := g.conversation.Start(r.Context(), start)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleQueueStatus handles GET /api/chats/{id}/queue-status.
func (g *Gateway) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if g.loadConversation(w, r) == nil {
		return
	}
	status, err := g.conversation.QueueStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleUpdateQueue handles PUT /api/chats/{id}/queue.
func (g *Gateway) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	if g.loadConversation(w, r) == nil {
		return
	}
	var req conversation.UpdateQueueRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := auth.MustFromContext(r.Context())
	conv, err := g.conversation.UpdateQueue(r.Context(), r.PathValue("id"),
		queue.Actor{ID: id.UserID, Name: id.Name}, req)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleCompanyQueue handles GET /api/chats/company/{companyId}/queue.
func (g *Gateway) handleCompanyQueue(w http.ResponseWriter, r *http.Request) {
	companyID := r.PathValue("companyId")
	if id := auth.MustFromContext(r.Context()); id.CompanyID != companyID {
		sendJSONError(w, http.StatusForbidden, "not a member of this company")
		return
	}

	entries, err := g.queue.ActiveQueue(r.Context(), companyID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QueueResponse{CompanyID: companyID, Queue: entries})
}

// handleListMessages handles GET /api/chats/{id}/messages with optional
// limit, offset and include_deleted (staff only) query parameters.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}

	q := r.URL.Query()
	opts := ingress.ListOptions{Limit: ingress.DefaultListLimit}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, ingress.MaxListLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			sendJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		opts.Offset = n
	}
	if s := q.Get("include_deleted"); s != "" {
		include, err := strconv.ParseBool(s)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, "include_deleted must be a boolean")
			return
		}
		opts.IncludeDeleted = include && auth.MustFromContext(r.Context()).IsStaff()
	}

	msgs, err := g.ingress.ListMessages(r.Context(), conv.ID, opts)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	views := make([]bus.MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, bus.ViewOf(m))
	}
	writeJSON(w, http.StatusOK, MessagesResponse{
		ConversationID: conv.ID,
		Messages:       views,
		Limit:          opts.Limit,
		Offset:         opts.Offset,
	})
}

// handleTranscript handles GET /api/chats/{id}/transcript.
func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	conv := g.loadConversation(w, r)
	if conv == nil {
		return
	}
	payload, err := g.transcripts.Load(r.Context(), conv.ID)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// handleAudit handles GET /api/audit with optional actor, action,
// target_id and limit filters. Entries are always limited to the caller's
// company.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	if id.CompanyID == "" {
		sendJSONError(w, http.StatusForbidden, "token carries no company")
		return
	}

	q := r.URL.Query()
	filter := store.AuditFilter{CompanyID: &id.CompanyID}
	if s := q.Get("actor"); s != "" {
		filter.ActorID = &s
	}
	if s := q.Get("action"); s != "" {
		action := store.AuditAction(s)
		if !action.Valid() {
			sendJSONError(w, http.StatusBadRequest, "unknown action")
			return
		}
		filter.Action = &action
	}
	if s := q.Get("target_id"); s != "" {
		filter.TargetID = &s
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.sendServiceError(w, r, err)
		return
	}
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			ActorID:    e.ActorID,
			CompanyID:  e.CompanyID,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	conns, rooms := g.realtime.Registry().Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready (" + strconv.Itoa(conns) + " connections, " + strconv.Itoa(rooms) + " rooms)"))
}

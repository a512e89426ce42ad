package handlers

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vire-cms/vire/internal/logger"
	"github.com/vire-cms/vire/pkg/cmsserver/api/auth"
	"github.com/vire-cms/vire/pkg/resource/pool"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/session/manager"
)

// SessionHandler serves the active sessions.
type SessionHandler struct {
	manager *manager.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(m *manager.Manager) *SessionHandler {
	return &SessionHandler{manager: m}
}

// PoolEntryResponse is one resource of a session pool.
type PoolEntryResponse struct {
	ID          int32  `json:"id"`
	Path        string `json:"path,omitempty"`
	Cardinality string `json:"cardinality"`
	Holders     int    `json:"holders"`
}

// UseCaseResponse describes the top-level use case of a session.
type UseCaseResponse struct {
	Path   string `json:"path"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SessionResponse is the API view of an active session.
type SessionResponse struct {
	ID            int32               `json:"id"`
	Key           string              `json:"key"`
	Role          string              `json:"role"`
	State         string              `json:"state"`
	Start         time.Time           `json:"start"`
	End           time.Time           `json:"end"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	StopRequested bool                `json:"stop_requested"`
	UseCase       *UseCaseResponse    `json:"usecase,omitempty"`
	Clients       []string            `json:"clients"`
	Functional    []PoolEntryResponse `json:"functional"`
	Distributable []PoolEntryResponse `json:"distributable"`
}

func (h *SessionHandler) poolEntries(p *pool.Pool) []PoolEntryResponse {
	snap := p.Snapshot()
	out := make([]PoolEntryResponse, 0, len(snap))
	for id, e := range snap {
		entry := PoolEntryResponse{ID: id, Cardinality: e.Policy.String(), Holders: e.Holders}
		if r, err := h.manager.Catalog().GetResourceByID(id); err == nil {
			entry.Path = r.Path
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *SessionHandler) toResponse(s *session.Session) SessionResponse {
	p := s.Period()
	resp := SessionResponse{
		ID:            s.ID(),
		Key:           s.Key(),
		Role:          s.Info().Role(),
		State:         s.State().String(),
		Start:         p.Start,
		End:           p.End,
		StopRequested: s.IsStopRequested(),
		Clients:       s.Clients(),
		Functional:    h.poolEntries(s.FunctionalPool()),
		Distributable: h.poolEntries(s.DistributablePool()),
	}
	if started := s.StartedAt(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if uc := s.UseCase(); uc != nil {
		resp.UseCase = &UseCaseResponse{
			Path:   uc.Path(),
			Model:  s.Info().UseCase().Model,
			Status: uc.Status().String(),
		}
		if err := uc.Err(); err != nil {
			resp.UseCase.Error = err.Error()
		}
	}
	return resp
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		BadRequest(w, "Session id must be an integer")
		return nil, false
	}
	s, err := h.manager.Session(int32(id))
	if err != nil {
		WriteError(w, err)
		return nil, false
	}
	return s, true
}

// List handles GET /api/v1/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.Sessions()
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, h.toResponse(s))
	}
	WriteJSONOK(w, out)
}

// Get handles GET /api/v1/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSONOK(w, h.toResponse(s))
}

// Stop handles POST /api/v1/sessions/{id}/stop. The session finishes its
// current iteration and is reaped by the manager.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.manager.RequestStop(s.ID()); err != nil {
		WriteError(w, err)
		return
	}
	logger.InfoCtx(r.Context(), "session stop requested over API",
		logger.KeySessionID, s.ID(),
		logger.KeyLogin, loginOf(r))
	WriteJSON(w, http.StatusAccepted, h.toResponse(s))
}

// EnterRequest is the request body for POST /api/v1/sessions/{id}/clients.
type EnterRequest struct {
	Password string `json:"password"`

	// Role defaults to the session's role.
	Role string `json:"role,omitempty"`
}

// EnterResponse identifies the attached client.
type EnterResponse struct {
	ConnectionID string `json:"connection_id"`
	SessionID    int32  `json:"session_id"`
	SessionKey   string `json:"session_key"`
}

// Enter handles POST /api/v1/sessions/{id}/clients: the token holder joins
// the session as a client under the requested role. The password is checked
// again because session clients authenticate on their own. A full
// distributable resource answers 409.
func (h *SessionHandler) Enter(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req EnterRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	role := req.Role
	if role == "" {
		role = s.Info().Role()
	}
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil && !claims.CanUseRole(role) {
		Forbidden(w, "user "+claims.Login+" may not act as role "+role)
		return
	}
	c, err := h.manager.Enter(r.Context(), s.Key(), loginOf(r), req.Password, role)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSONCreated(w, EnterResponse{ConnectionID: c.ID(), SessionID: s.ID(), SessionKey: s.Key()})
}

// Leave handles DELETE /api/v1/sessions/{id}/clients/{connection}.
func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.manager.Leave(r.Context(), s.Key(), chi.URLParam(r, "connection")); err != nil {
		NotFound(w, err.Error())
		return
	}
	WriteNoContent(w)
}

func loginOf(r *http.Request) string {
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Login
	}
	return ""
}

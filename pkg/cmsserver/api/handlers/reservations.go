package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vire-cms/vire/internal/logger"
	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/cmsserver/api/auth"
	"github.com/vire-cms/vire/pkg/reservation"
	"github.com/vire-cms/vire/pkg/session"
	"github.com/vire-cms/vire/pkg/session/manager"
)

// ReservationHandler books and lists reservations.
type ReservationHandler struct {
	manager *manager.Manager
}

// NewReservationHandler creates a new ReservationHandler.
func NewReservationHandler(m *manager.Manager) *ReservationHandler {
	return &ReservationHandler{manager: m}
}

// ReservationResponse is the API view of a stored reservation.
type ReservationResponse struct {
	Key        string         `json:"key"`
	SessionID  int32          `json:"session_id"`
	Role       string         `json:"role"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end"`
	Owner      string         `json:"owner,omitempty"`
	Root       bool           `json:"root,omitempty"`
	Active     bool           `json:"active"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ReserveResponse is the resolver's advice for POST /api/v1/reservations.
// Reservation is set only when a new session was booked.
type ReserveResponse struct {
	Advice      session.Possibility  `json:"advice"`
	Reservation *ReservationResponse `json:"reservation,omitempty"`
}

func (h *ReservationHandler) toResponse(r *reservation.Reservation) *ReservationResponse {
	_, err := h.manager.SessionByKey(r.Key)
	return &ReservationResponse{
		Key:        r.Key,
		SessionID:  r.SessionID,
		Role:       r.Role,
		Start:      r.Start,
		End:        r.End,
		Owner:      r.Owner,
		Root:       r.Root,
		Active:     err == nil,
		Properties: r.Properties,
		CreatedAt:  r.CreatedAt,
	}
}

// Create handles POST /api/v1/reservations. The body is a session property
// set: key, role, when, usecase and the optional overrides.
func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var props session.Properties
	if !decodeJSONBody(w, r, &props) {
		return
	}

	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	role, _ := props["role"].(string)
	if !claims.CanUseRole(role) {
		writeProblem(w, &Problem{
			Title:  "Forbidden",
			Status: http.StatusForbidden,
			Detail: "user " + claims.Login + " may not reserve role " + role,
			Code:   cmserrors.ErrReservationRejected.String(),
			Reason: cmserrors.RejectRole.String(),
		})
		return
	}

	ctx := manager.ContextWithOwner(r.Context(), claims.Login)
	res, poss, err := h.manager.Reserve(ctx, props)
	if err != nil {
		logger.InfoCtx(ctx, "reservation refused",
			logger.KeyLogin, claims.Login,
			logger.KeyRole, role,
			logger.KeyError, err)
		WriteError(w, err)
		return
	}

	resp := ReserveResponse{Advice: poss}
	if res == nil {
		WriteJSONOK(w, resp)
		return
	}
	resp.Reservation = h.toResponse(res)
	WriteJSONCreated(w, resp)
}

// List handles GET /api/v1/reservations.
func (h *ReservationHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.manager.Reservations(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list reservations")
		return
	}
	out := make([]*ReservationResponse, 0, len(list))
	for _, res := range list {
		out = append(out, h.toResponse(res))
	}
	WriteJSONOK(w, out)
}

// Get handles GET /api/v1/reservations/{key}.
func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	list, err := h.manager.Reservations(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list reservations")
		return
	}
	for _, res := range list {
		if res.Key == key {
			WriteJSONOK(w, h.toResponse(res))
			return
		}
	}
	NotFound(w, "Reservation not found")
}

// Delete handles DELETE /api/v1/reservations/{key}. Only the owner may
// cancel a reservation; reservations made from the configuration have no
// owner and can be cancelled by any user.
func (h *ReservationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}
	if key == h.manager.RootKey() {
		Forbidden(w, "The root session cannot be cancelled")
		return
	}

	list, err := h.manager.Reservations(r.Context())
	if err != nil {
		InternalServerError(w, "Failed to list reservations")
		return
	}
	for _, res := range list {
		if res.Key == key && res.Owner != "" && res.Owner != claims.Login {
			Forbidden(w, "Reservation belongs to "+res.Owner)
			return
		}
	}

	if err := h.manager.Cancel(r.Context(), key); err != nil {
		WriteError(w, err)
		return
	}
	WriteNoContent(w)
}

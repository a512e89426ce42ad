// Package handlers provides HTTP handlers for the control API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	cmserrors "github.com/vire-cms/vire/pkg/cms/errors"
	"github.com/vire-cms/vire/pkg/reservation/store"
	"github.com/vire-cms/vire/pkg/session/manager"
)

// Problem represents an RFC 7807 "problem details" response.
// https://tools.ietf.org/html/rfc7807
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Code is the CMS error code name, when the problem comes from one.
	Code string `json:"code,omitempty"`

	// Reason is the rejection kind of a refused reservation: time,
	// capacity or role.
	Reason string `json:"reason,omitempty"`

	// ConflictingKey names the session a capacity rejection collided with.
	ConflictingKey string `json:"conflicting_key,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type for RFC 7807 problem responses.
const ContentTypeProblemJSON = "application/problem+json"

func writeProblem(w http.ResponseWriter, p *Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteProblem writes an RFC 7807 problem response.
func WriteProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &Problem{Title: title, Status: status, Detail: detail})
}

func BadRequest(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusBadRequest, "Bad Request", detail)
}

func Unauthorized(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func Forbidden(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusForbidden, "Forbidden", detail)
}

func NotFound(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusNotFound, "Not Found", detail)
}

func Conflict(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusConflict, "Conflict", detail)
}

func InternalServerError(w http.ResponseWriter, detail string) {
	WriteProblem(w, http.StatusInternalServerError, "Internal Server Error", detail)
}

// TooManyRequests writes a 429 problem with a Retry-After header.
func TooManyRequests(w http.ResponseWriter, detail string, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	WriteProblem(w, http.StatusTooManyRequests, "Too Many Requests", detail)
}

// WriteError maps a CMS error to its problem response. Malformed requests
// are 422; other errors without a code are 500.
func WriteError(w http.ResponseWriter, err error) {
	var rej *cmserrors.ReservationRejectedError
	if errors.As(err, &rej) {
		writeProblem(w, &Problem{
			Title:          "Reservation Rejected",
			Status:         http.StatusConflict,
			Detail:         err.Error(),
			Code:           cmserrors.ErrReservationRejected.String(),
			Reason:         rej.Reason.String(),
			ConflictingKey: rej.ConflictingKey,
		})
		return
	}
	if errors.Is(err, store.ErrDuplicateReservation) {
		Conflict(w, err.Error())
		return
	}

	code := cmserrors.CodeOf(err)
	status := http.StatusInternalServerError
	title := "Internal Server Error"
	switch code {
	case cmserrors.ErrUnknownSession, cmserrors.ErrUnknownModel:
		status, title = http.StatusNotFound, "Not Found"
	case cmserrors.ErrInvalidCredentials:
		status, title = http.StatusForbidden, "Forbidden"
	case cmserrors.ErrInvalidRole, cmserrors.ErrInvalidTimeWindow, cmserrors.ErrUnknownResource,
		cmserrors.ErrMalformedPortAddress, cmserrors.ErrAlreadyInitialized:
		status, title = http.StatusUnprocessableEntity, "Unprocessable Entity"
	case 0, cmserrors.ErrNotInitialized:
	default:
		status, title = http.StatusConflict, "Conflict"
	}
	if errors.Is(err, manager.ErrInvalidProperties) {
		status, title = http.StatusUnprocessableEntity, "Unprocessable Entity"
	}

	p := &Problem{Title: title, Status: status, Detail: err.Error()}
	if code != 0 {
		p.Code = code.String()
	}
	writeProblem(w, p)
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

func WriteJSONCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, data)
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// decodeJSONBody decodes a JSON request body into v. On failure a 400 is
// written and false returned.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "Invalid request body")
		return false
	}
	return true
}

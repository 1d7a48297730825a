package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kgl/produce-engine/config"
	"github.com/kgl/produce-engine/core"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope wraps every response body.
type Envelope struct {
	Success bool         `json:"success"`
	Count   *int         `json:"count,omitempty"`
	Data    any          `json:"data,omitempty"`
	Message string       `json:"message,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeData sends data in a success envelope. Slices also get a count.
func writeData(w http.ResponseWriter, status int, data any) {
	env := Envelope{Success: true, Data: data}
	if v := reflect.ValueOf(data); v.Kind() == reflect.Slice {
		n := v.Len()
		env.Count = &n
	}
	writeJSON(w, status, env)
}

func writeMessage(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, Envelope{Success: true, Data: data, Message: message})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeError maps err onto a status and failure envelope. Anything that is
// not a known client error is logged and reported as a generic 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, funcName string, err error) {
	status := statusFor(err)
	env := Envelope{Success: false, Message: err.Error()}

	var one *core.ValidationError
	var many core.ValidationErrors
	switch {
	case errors.As(err, &many):
		env.Message = "Validation failed"
		for _, e := range many {
			env.Errors = append(env.Errors, FieldError{Field: e.Field, Message: e.Message})
		}
	case errors.As(err, &one):
		env.Message = one.Message
		env.Errors = []FieldError{{Field: one.Field, Message: one.Message}}
	}
	switch status {
	case http.StatusUnauthorized:
		env.Message = "Not authorized to access this route"
	case http.StatusInternalServerError:
		config.LogError(h.Log, "api", funcName, r.Method+" "+r.URL.Path,
			map[string]string{"requestId": middleware.GetReqID(r.Context())}, err)
		env.Message = "Server error"
	}
	writeJSON(w, status, env)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrInsufficientStock):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/makerlane/backend/internal/validate"
)

// maxBodyBytes caps client request bodies.
const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// BodyValidator checks a raw JSON body against a named schema.
type BodyValidator interface {
	Validate(name string, body []byte) error
}

// decodeValidated reads the body, validates it against schema and decodes it
// into dst. On failure it writes the 400 response and returns false.
func decodeValidated(w http.ResponseWriter, r *http.Request, v BodyValidator, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large or unreadable")
		return false
	}
	if err := v.Validate(schema, body); err != nil {
		if errors.Is(err, validate.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

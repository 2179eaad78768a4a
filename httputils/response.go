package httputils

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const maxRequestBody = 1 << 20

// HandleAPIResponse writes resp as JSON, or err as a JSON error with status.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp any, err error, status int) {
	if err != nil {
		slog.Warn("API request failed",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err,
		)
		WriteJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	WriteJSON(w, status, resp)
}

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode API response", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// DecodeJSONBody decodes a bounded JSON request body into out, rejecting
// unknown fields.
func DecodeJSONBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"MnemoEvolve/server/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// fail maps err to a status once, logs and reports it, and returns the
// status with the caller-facing message.
func (h *Handlers) fail(r *http.Request, op string, err error) (int, string) {
	status := apperr.HTTPStatus(err)
	msg := apperr.Message(err)

	attrs := []any{"op", op, "status", status, "error", msg, "request_id", middleware.GetReqID(r.Context())}
	if status >= http.StatusInternalServerError {
		if stack := apperr.StackOf(err); stack != nil {
			attrs = append(attrs, "stack", string(stack))
		}
		h.log.Error("Request failed", attrs...)
		apperr.Report(r.Context(), err)
	} else {
		h.log.Warn("Request rejected", attrs...)
	}
	return status, msg
}

// writeError writes {"error": msg}.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := h.fail(r, op, err)
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRunError writes {"success": false, "error": msg}.
func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := h.fail(r, op, err)
	writeJSON(w, status, runResponse{Success: false, Error: msg})
}

// decodeObject reads a JSON object body. An empty body is an empty object.
func decodeObject(r *http.Request) (map[string]any, error) {
	var payload map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, apperr.InvalidInput("Invalid JSON body: %v", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

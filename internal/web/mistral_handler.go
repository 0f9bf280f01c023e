package web

import (
	"net/http"

	"MnemoEvolve/server/internal/mapsafe"
)

// CreateMnemonics forwards the prompt to the chat-completion API and
// returns its body with emphasis markers removed from the first choice.
func (h *Handlers) CreateMnemonics(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		h.writeError(w, r, "mistral", err)
		return
	}
	prompt := mapsafe.Get(payload, "prompt", "")

	body, err := h.svc.Mnemonics.Complete(r.Context(), prompt)
	if err != nil {
		h.writeError(w, r, "mistral", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.log.Warn("Failed to write response", "error", err)
	}
}

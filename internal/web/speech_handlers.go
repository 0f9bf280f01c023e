package web

import (
	"net/http"
	"strconv"

	"MnemoEvolve/server/internal/generators"
	"MnemoEvolve/server/internal/mapsafe"
)

// TextToSpeech synthesizes the request text and returns WAV audio inline
func (h *Handlers) TextToSpeech(w http.ResponseWriter, r *http.Request) {
	payload, err := decodeObject(r)
	if err != nil {
		h.writeError(w, r, "tts", err)
		return
	}

	req := generators.SpeechRequest{
		Text:     mapsafe.String(payload, "text", ""),
		Language: mapsafe.String(payload, "language", generators.DefaultLanguage),
		Speaker:  mapsafe.String(payload, "speaker", h.svc.Speech.DefaultSpeaker()),
	}
	h.log.Debug("Generating speech", "speaker", req.Speaker, "language", req.Language, "text", truncate(req.Text, 50))

	audio, err := h.svc.Speech.Synthesize(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "tts", err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", "inline")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio); err != nil {
		h.log.Warn("Failed to write audio", "error", err)
	}
}

type speakersResponse struct {
	Speakers []string `json:"speakers"`
	Default  string   `json:"default"`
}

// ListSpeakers returns the speakers the loaded model supports
func (h *Handlers) ListSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := h.svc.Speech.Speakers()
	if err != nil {
		h.writeError(w, r, "tts.speakers", err)
		return
	}
	if speakers == nil {
		speakers = []string{}
	}
	writeJSON(w, http.StatusOK, speakersResponse{
		Speakers: speakers,
		Default:  h.svc.Speech.DefaultSpeaker(),
	})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

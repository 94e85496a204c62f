package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

const maxSpeakBody = 16 << 10

type speakRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Speak synthesises text with the reply voice and returns raw mu-law audio.
func (h *Handler) Speak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpeakBody)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "no text provided")
		return
	}
	if req.Language == "" {
		req.Language = "en"
	}

	audio, err := h.speech.Synthesize(r.Context(), req.Text, req.Language)
	if err != nil {
		h.logger.Error("Speech synthesis failed", "error", err)
		Error(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}

	w.Header().Set("Content-Type", "audio/basic")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

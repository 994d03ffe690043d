package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"voicegate/internal/httpserver"
	"voicegate/internal/tts"
)

type ttsRequest struct {
	Text string `json:"text"`
}

func (h *Handler) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	text = tts.Truncate(text, h.ttsMaxChars)

	audio, err := h.tts.Synthesize(r.Context(), text)
	if err != nil {
		h.logger.Error("tts synthesis failed", "error", err)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, "speech synthesis failed")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "audio/mpeg")
	header.Set("Content-Disposition", `attachment; filename="speech.mp3"`)
	header.Set("Cache-Control", "no-cache")
	header.Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

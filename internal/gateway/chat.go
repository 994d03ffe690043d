package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"voicegate/internal/httpserver"
	"voicegate/internal/llm"
)

var doneEvent = []byte("data: [DONE]\n\n")

type chatRequest struct {
	Message     string   `json:"message"`
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Provider    string   `json:"provider"`
}

func (c chatRequest) llmRequest() llm.ChatRequest {
	return llm.ChatRequest{
		Message:     strings.TrimSpace(c.Message),
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}

type chatResponse struct {
	Response string `json:"response"`
}

type deltaEvent struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta deltaContent `json:"delta"`
}

type deltaContent struct {
	Content string `json:"content"`
}

type errorEvent struct {
	Error errorEventBody `json:"error"`
}

type errorEventBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	log := h.requestLogger(r)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	chatReq := req.llmRequest()
	if chatReq.Message == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	// Снимок провайдера берется один раз на весь запрос.
	sel, err := h.selector.Resolve(strings.TrimSpace(req.Provider))
	if err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "unsupported llm provider")
		return
	}

	log.Info("chat request",
		"provider", sel.Name,
		"selection_version", sel.Version,
		"stream", req.Stream,
		"message_len", len([]rune(chatReq.Message)),
	)

	if req.Stream {
		h.streamChat(w, r, sel, chatReq)
		return
	}

	answer, err := sel.Provider.Complete(r.Context(), chatReq)
	if err != nil {
		log.Error("chat completion failed", "provider", sel.Name, "error", err)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, chatResponse{Response: answer})
}

// streamChat транслирует поток провайдера в SSE. Последним событием всегда
// идет ровно один data: [DONE], даже если провайдер упал.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, sel *llm.Selection, req llm.ChatRequest) {
	log := h.requestLogger(r)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(payload []byte) {
		var buf bytes.Buffer
		buf.Grow(len(payload) + 8)
		buf.WriteString("data: ")
		buf.Write(payload)
		buf.WriteString("\n\n")
		_, _ = w.Write(buf.Bytes())
		if flusher != nil {
			flusher.Flush()
		}
	}

	var (
		chunks   int
		received int
		failed   bool
	)
	for c := range sel.Provider.Stream(r.Context(), req) {
		switch {
		case c.Done:
			continue
		case c.Err != nil:
			log.Error("chat stream failed", "provider", sel.Name, "error", c.Err)
			if !failed {
				send(mustMarshal(errorEvent{Error: errorEventBody{
					Message: "failed to generate response",
					Type:    "server_error",
				}}))
				failed = true
			}
		case len(c.Data) > 0:
			send(c.Data)
		case c.Text != "":
			send(mustMarshal(deltaEvent{Choices: []deltaChoice{{Delta: deltaContent{Content: c.Text}}}}))
		default:
			continue
		}
		chunks++
		received += len([]rune(c.Text))
	}

	_, _ = w.Write(doneEvent)
	if flusher != nil {
		flusher.Flush()
	}
	log.Info("chat stream finished", "provider", sel.Name, "events", chunks, "response_len", received, "failed", failed)
}

func mustMarshal(v any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return []byte(`{}`)
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

type switchRequest struct {
	Provider string `json:"provider"`
}

type switchResponse struct {
	Success  bool   `json:"success"`
	Provider string `json:"provider"`
	Message  string `json:"message"`
}

func (h *Handler) handleSwitchLLM(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	sel, err := h.selector.Switch(strings.TrimSpace(req.Provider))
	if err != nil {
		if errors.Is(err, llm.ErrUnknownProvider) {
			httpserver.WriteJSONError(w, http.StatusBadRequest, "unsupported llm provider")
			return
		}
		h.logger.Error("switch llm failed", "error", err)
		httpserver.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("llm provider switched", "provider", sel.Name, "selection_version", sel.Version)
	httpserver.WriteJSON(w, http.StatusOK, switchResponse{
		Success:  true,
		Provider: sel.Name,
		Message:  "switched to " + sel.Name + " provider",
	})
}

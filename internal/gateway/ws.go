package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"voicegate/internal/llm"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsEvent struct {
	Event   string `json:"event"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleWSChat потоковый чат поверх WebSocket: на каждое сообщение клиента
// серия событий data, при сбое error, в конце всегда done.
func (h *Handler) handleWSChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read finished", "error", err)
			}
			return
		}

		chatReq := req.llmRequest()
		if chatReq.Message == "" {
			if err := conn.WriteJSON(wsEvent{Event: "error", Error: "message is required"}); err != nil {
				return
			}
			continue
		}

		sel, err := h.selector.Resolve(strings.TrimSpace(req.Provider))
		if err != nil {
			if err := conn.WriteJSON(wsEvent{Event: "error", Error: "unsupported llm provider"}); err != nil {
				return
			}
			continue
		}

		if !h.streamWS(r.Context(), conn, sel, chatReq) {
			return
		}

		if err := conn.WriteJSON(wsEvent{Event: "done"}); err != nil {
			return
		}
	}
}

// streamWS пишет один ответ в сокет. После hijack контекст запроса не
// отменяется при уходе клиента, поэтому поток глушится на первой ошибке записи.
func (h *Handler) streamWS(parent context.Context, conn *websocket.Conn, sel *llm.Selection, req llm.ChatRequest) bool {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ch := sel.Provider.Stream(ctx, req)
	for c := range ch {
		var ev wsEvent
		switch {
		case c.Err != nil:
			h.logger.Error("ws chat stream failed", "provider", sel.Name, "error", c.Err)
			ev = wsEvent{Event: "error", Error: "failed to generate response"}
		case c.Text != "":
			ev = wsEvent{Event: "data", Content: c.Text}
		default:
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug("ws write failed, stopping stream", "provider", sel.Name, "error", err)
			cancel()
			go func() {
				for range ch {
				}
			}()
			return false
		}
	}
	return true
}

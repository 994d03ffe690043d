package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"voicegate/internal/config"
	"voicegate/internal/poll"
)

const (
	senderAssistant = "ASSISTANT"
	statusCompleted = "COMPLETED"
)

// TokenSource выдает tenant_access_token для Feishu Open API.
// Invalidate вызывается, когда Feishu отверг токен.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Коды Open API для отсутствующего и невалидного/просроченного tenant-токена.
const (
	codeTokenMissing = 99991661
	codeTokenInvalid = 99991663
)

// Feishu клиент Feishu Aily: сессия, сообщение, запуск навыка и опрос ответа.
type Feishu struct {
	baseURL    string
	skillAppID string
	skillID    string
	tokens     TokenSource
	policy     poll.Policy
	httpClient *http.Client
	logger     *slog.Logger
	newID      func() string
}

func NewFeishu(cfg config.FeishuConfig, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Feishu {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feishu{
		baseURL:    cfg.BaseURL,
		skillAppID: cfg.SkillAppID,
		skillID:    cfg.SkillID,
		tokens:     tokens,
		policy: poll.Policy{
			Interval: cfg.PollingInterval,
			MaxWait:  cfg.MaxPollingTime,
		},
		httpClient: httpClient,
		logger:     logger,
		newID:      func() string { return uuid.NewString() },
	}
}

func (f *Feishu) Name() string { return config.ProviderFeishuAily }

func (f *Feishu) Complete(ctx context.Context, req ChatRequest) (string, error) {
	return Drain(f.Stream(ctx, req))
}

func (f *Feishu) Stream(ctx context.Context, req ChatRequest) <-chan Chunk {
	em := newEmitter(ctx)
	go func() {
		defer em.close()
		if err := f.stream(ctx, req, em); err != nil {
			f.logger.Error("feishu aily stream failed", "error", err)
			em.fail(err)
		}
	}()
	return em.ch
}

func (f *Feishu) stream(ctx context.Context, req ChatRequest, em *emitter) error {
	if f.skillAppID == "" || f.skillID == "" {
		return fmt.Errorf("feishu aily: %w", ErrNotConfigured)
	}

	sessionID, err := f.createSession(ctx)
	if err != nil {
		return err
	}
	userMsgID, err := f.createMessage(ctx, sessionID, req.Message)
	if err != nil {
		return err
	}
	runID, err := f.createRun(ctx, sessionID)
	if err != nil {
		return err
	}
	f.logger.Info("feishu aily run started", "session_id", sessionID, "run_id", runID)

	var emitted int // длина уже отданного текста в символах
	res := poll.Run(ctx, f.policy, func(ctx context.Context) poll.Result[struct{}] {
		status, err := f.runStatus(ctx, sessionID, runID)
		if err != nil {
			f.logger.Warn("feishu aily poll: run status failed", "error", err)
			return poll.Pending[struct{}]()
		}
		messages, err := f.listMessages(ctx, sessionID)
		if err != nil {
			f.logger.Warn("feishu aily poll: list messages failed", "error", err)
			return poll.Pending[struct{}]()
		}

		if bot, ok := findBotMessage(messages, userMsgID); ok {
			content := []rune(bot.Content)
			if len(content) > emitted {
				if !em.send(Chunk{Text: string(content[emitted:])}) {
					return poll.Fail[struct{}](ctx.Err())
				}
				emitted = len(content)
			}
			// Сообщение завершено и больше не растет.
			if bot.Status == statusCompleted && len(content) > 0 && len(content) == emitted {
				f.logger.Info("feishu aily message completed", "run_status", status)
				return poll.Done(struct{}{})
			}
		}

		switch status {
		case "COMPLETED", "FAILED", "CANCELLED":
			f.logger.Info("feishu aily run finished", "run_status", status)
			return poll.Done(struct{}{})
		}
		return poll.Pending[struct{}]()
	})

	switch res.Status {
	case poll.TimedOut:
		f.logger.Warn("feishu aily polling timed out", "session_id", sessionID, "run_id", runID)
	case poll.Failed:
		if ctx.Err() != nil {
			return nil
		}
		return res.Err
	}
	return nil
}

type ailyMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  string `json:"status"`
	Sender  struct {
		SenderType string `json:"sender_type"`
	} `json:"sender"`
}

// findBotMessage первое сообщение ассистента, отличное от сообщения пользователя.
func findBotMessage(messages []ailyMessage, userMsgID string) (ailyMessage, bool) {
	for _, m := range messages {
		if m.Sender.SenderType == senderAssistant && m.ID != userMsgID {
			return m, true
		}
	}
	return ailyMessage{}, false
}

func (f *Feishu) createSession(ctx context.Context) (string, error) {
	var data struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	if err := f.call(ctx, http.MethodPost, "/open-apis/aily/v1/sessions", map[string]string{
		"app_id": f.skillAppID,
	}, &data); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if data.Session.ID == "" {
		return "", errors.New("create session: empty session id")
	}
	return data.Session.ID, nil
}

func (f *Feishu) createMessage(ctx context.Context, sessionID, content string) (string, error) {
	var data struct {
		Message struct {
			ID string `json:"id"`
		} `json:"message"`
	}
	path := "/open-apis/aily/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := f.call(ctx, http.MethodPost, path, map[string]string{
		"content":       content,
		"message_type":  "text",
		"content_type":  "TEXT",
		"idempotent_id": f.newID(),
	}, &data); err != nil {
		return "", fmt.Errorf("create message: %w", err)
	}
	if data.Message.ID == "" {
		return "", errors.New("create message: empty message id")
	}
	return data.Message.ID, nil
}

func (f *Feishu) createRun(ctx context.Context, sessionID string) (string, error) {
	var data struct {
		Run struct {
			ID string `json:"id"`
		} `json:"run"`
	}
	path := "/open-apis/aily/v1/sessions/" + url.PathEscape(sessionID) + "/runs"
	if err := f.call(ctx, http.MethodPost, path, map[string]string{
		"app_id":   f.skillAppID,
		"skill_id": f.skillID,
	}, &data); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if data.Run.ID == "" {
		return "", errors.New("create run: empty run id")
	}
	return data.Run.ID, nil
}

func (f *Feishu) runStatus(ctx context.Context, sessionID, runID string) (string, error) {
	var data struct {
		Run struct {
			Status string `json:"status"`
		} `json:"run"`
	}
	path := "/open-apis/aily/v1/sessions/" + url.PathEscape(sessionID) + "/runs/" + url.PathEscape(runID)
	if err := f.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", err
	}
	return data.Run.Status, nil
}

func (f *Feishu) listMessages(ctx context.Context, sessionID string) ([]ailyMessage, error) {
	var data struct {
		Messages []ailyMessage `json:"messages"`
	}
	path := "/open-apis/aily/v1/sessions/" + url.PathEscape(sessionID) + "/messages?with_partial_message=true"
	if err := f.call(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call выполняет запрос к Open API с tenant-токеном и разбирает data при code == 0.
func (f *Feishu) call(ctx context.Context, method, path string, body any, out any) error {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("tenant token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env apiEnvelope
	decodeErr := json.Unmarshal(respBody, &env)
	if decodeErr == nil && (env.Code == codeTokenMissing || env.Code == codeTokenInvalid) {
		f.logger.Warn("feishu rejected tenant token, dropping cache", "code", env.Code, "msg", env.Msg)
		f.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{Service: "feishu", Status: resp.StatusCode, Code: env.Code, Body: string(respBody)}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Code != 0 {
		return &UpstreamError{Service: "feishu", Status: resp.StatusCode, Code: env.Code, Body: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

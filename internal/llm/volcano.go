package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"voicegate/internal/config"
)

const maxScanTokenSize = 1024 * 1024

// Volcano клиент chat/completions Volcano Ark (модели DeepSeek) в потоковом режиме.
type Volcano struct {
	apiURL       string
	accessKey    string
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewVolcano(cfg config.VolcanoConfig, httpClient *http.Client, logger *slog.Logger) *Volcano {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Volcano{
		apiURL:       cfg.APIURL,
		accessKey:    cfg.AccessKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.DefaultTemperature,
		maxTokens:    cfg.DefaultMaxTokens,
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (v *Volcano) Name() string { return config.ProviderVolcano }

func (v *Volcano) Complete(ctx context.Context, req ChatRequest) (string, error) {
	return Drain(v.Stream(ctx, req))
}

func (v *Volcano) Stream(ctx context.Context, req ChatRequest) <-chan Chunk {
	em := newEmitter(ctx)
	go func() {
		defer em.close()
		if err := v.stream(ctx, req, em); err != nil {
			v.logger.Error("volcano stream failed", "error", err)
			em.fail(err)
		}
	}()
	return em.ch
}

type volcanoRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (v *Volcano) stream(ctx context.Context, req ChatRequest, em *emitter) error {
	if v.accessKey == "" {
		return fmt.Errorf("volcano: %w", ErrNotConfigured)
	}

	body := volcanoRequest{
		Model: v.model,
		Messages: []message{
			{Role: "system", Content: v.systemPrompt},
			{Role: "user", Content: req.Message},
		},
		Temperature: v.temperature,
		MaxTokens:   v.maxTokens,
		Stream:      true,
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.apiURL, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.accessKey)

	v.logger.Info("volcano request", "model", body.Model, "message_len", len(req.Message))

	resp, err := v.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &UpstreamError{Service: "volcano", Status: resp.StatusCode, Body: string(errBody)}
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var payload string
		switch {
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				v.logger.Info("volcano stream finished", "response_len", full.Len())
				return nil
			}
		case sonic.Valid([]byte(line)):
			// Upstream иногда отдает JSON без префикса data:, например объект ошибки.
			payload = line
		default:
			continue
		}

		text := extractDelta(payload)
		full.WriteString(text)
		if !em.send(Chunk{Data: []byte(payload), Text: text}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}

	v.logger.Info("volcano stream finished", "response_len", full.Len())
	return nil
}

// extractDelta достает choices[0].delta.content; для не-JSON возвращает пустую строку.
func extractDelta(payload string) string {
	var chunk streamChunk
	if err := sonic.UnmarshalString(payload, &chunk); err != nil {
		return ""
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	return chunk.Choices[0].Delta.Content
}

package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"voicegate/internal/config"
)

const (
	codeCompleted = 20000000
	namespace     = "BidirectionalTTS"
	defaultUID    = "user_001"

	maxLineSize = 4 * 1024 * 1024
)

var (
	ErrNoAudio       = errors.New("tts response contains no audio")
	ErrNotConfigured = errors.New("tts credentials are not configured")
)

// Client синтез речи через однонаправленный потоковый TTS Volcano.
type Client struct {
	apiURL      string
	appID       string
	accessToken string
	resourceID  string
	voiceType   string
	speechRate  int
	sampleRate  int
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

func NewClient(cfg config.TTSConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiURL:      cfg.APIURL,
		appID:       cfg.AppID,
		accessToken: cfg.AccessToken,
		resourceID:  cfg.ResourceID,
		voiceType:   cfg.VoiceType,
		speechRate:  cfg.SpeechRate,
		sampleRate:  cfg.SampleRate,
		httpClient:  httpClient,
		logger:      logger,
		now:         time.Now,
	}
}

type synthRequest struct {
	User      user      `json:"user"`
	Namespace string    `json:"namespace"`
	ReqParams reqParams `json:"req_params"`
}

type user struct {
	UID string `json:"uid"`
}

type reqParams struct {
	Text        string      `json:"text"`
	Speaker     string      `json:"speaker"`
	AudioParams audioParams `json:"audio_params"`
}

type audioParams struct {
	Format       string `json:"format"`
	SampleRate   int    `json:"sample_rate"`
	SpeechRate   int    `json:"speech_rate"`
	LoudnessRate int    `json:"loudness_rate"`
}

type streamLine struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Synthesize возвращает mp3 целиком. Частичное аудио не отдается никогда.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if c.appID == "" || c.accessToken == "" {
		return nil, ErrNotConfigured
	}

	payload, err := json.Marshal(synthRequest{
		User:      user{UID: defaultUID},
		Namespace: namespace,
		ReqParams: reqParams{
			Text:    text,
			Speaker: c.voiceType,
			AudioParams: audioParams{
				Format:     "mp3",
				SampleRate: c.sampleRate,
				SpeechRate: c.speechRate,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-App-Id", c.appID)
	req.Header.Set("X-Api-Access-Key", c.accessToken)
	req.Header.Set("X-Api-Resource-Id", c.resourceID)
	req.Header.Set("X-Api-Request-Id", strconv.FormatInt(c.now().UnixMilli(), 10))

	c.logger.Info("tts request", "text_len", len([]rune(text)), "speaker", c.voiceType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("tts: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	parts, err := c.readFragments(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		c.logger.Error("tts response has no audio data")
		return nil, ErrNoAudio
	}

	joined := strings.Join(parts, "")
	audio, err := decodeJoined(joined)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	c.logger.Info("tts audio assembled", "fragments", len(parts), "base64_len", len(joined), "bytes", len(audio))
	return audio, nil
}

// readFragments собирает строковые data до строки завершения.
func (c *Client) readFragments(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var parts []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg streamLine
		if err := sonic.UnmarshalString(line, &msg); err != nil {
			c.logger.Warn("tts stream: skip malformed line", "error", err)
			continue
		}
		if data, ok := msg.Data.(string); ok && data != "" {
			parts = append(parts, data)
		}
		if msg.Code == codeCompleted && msg.Message == "OK" {
			return parts, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return parts, nil
}

// decodeJoined декодирует склейку base64-фрагментов. Каждый фрагмент может нести
// свой паддинг, и тогда склейка невалидна как целое: декодируем до первой
// завершенной паддингом четверки, остальное отбрасывается.
func decodeJoined(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return out, nil
	}
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return nil, err
	}
	end := (i/4 + 1) * 4
	if end >= len(s) {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s[:end])
}

// Truncate обрезает текст до n символов.
func Truncate(text string, n int) string {
	if n <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

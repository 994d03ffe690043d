package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"voicegate/internal/config"
	"voicegate/internal/logging"
	"voicegate/internal/poll"
)

const (
	codeSuccess    = "20000000"
	codeProcessing = "20000001"
	codeQueued     = "20000002"
	codeSilent     = "20000003"
	codeBusy       = "55000031"

	legacyCodeSuccess = "1000"

	defaultUID = "chatagent_user"

	headerStatusCode = "X-Api-Status-Code"
	headerMessage    = "X-Api-Message"
	headerLogID      = "X-Tt-Logid"
)

var sensitiveHeaders = []string{"X-Api-Access-Key", "X-Api-App-Key"}

// Task идентификатор отправленной задачи распознавания.
type Task struct {
	ID        string
	RequestID string
	LogID     string
}

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

type QueryResult struct {
	Status Status
	Text   string
	LogID  string
}

// Result итог распознавания файла.
type Result struct {
	Text   string
	Status Status
	LogID  string
}

// Client распознавание аудиофайлов по URL (Volcano big-model ASR, submit + query).
type Client struct {
	appID       string
	accessToken string
	submitURL   string
	queryURL    string
	resourceID  string
	modelName   string
	sampleRate  int
	enableITN   bool
	enablePunc  bool
	enableDDC   bool

	policy     poll.Policy
	httpClient *http.Client
	logger     *slog.Logger
	newID      func() string
}

func NewClient(cfg config.ASRConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		appID:       cfg.AppID,
		accessToken: cfg.AccessToken,
		submitURL:   cfg.SubmitURL,
		queryURL:    cfg.QueryURL,
		resourceID:  cfg.ResourceID,
		modelName:   cfg.ModelName,
		sampleRate:  cfg.SampleRate,
		enableITN:   cfg.EnableITN,
		enablePunc:  cfg.EnablePunc,
		enableDDC:   cfg.EnableDDC,
		policy: poll.Policy{
			Interval: cfg.PollInterval,
			MaxWait:  cfg.MaxWait,
		},
		httpClient: httpClient,
		logger:     logger,
		newID:      func() string { return uuid.NewString() },
	}
}

func (c *Client) configured() bool {
	return c.appID != "" && c.accessToken != "" && c.submitURL != "" && c.queryURL != ""
}

// Recognize отправляет задачу и опрашивает ее с фиксированным интервалом до MaxWait.
func (c *Client) Recognize(ctx context.Context, audioURL string) (Result, error) {
	if !c.configured() {
		return Result{}, ErrNotConfigured
	}

	res := poll.SubmitAndWait(ctx, c.policy,
		func(ctx context.Context) (Task, error) {
			return c.Submit(ctx, audioURL)
		},
		func(ctx context.Context, task Task) poll.Result[Result] {
			q, err := c.Query(ctx, task)
			if err != nil {
				return poll.Fail[Result](err)
			}
			if q.Status == StatusProcessing {
				return poll.Pending[Result]()
			}
			return poll.Done(Result{Text: q.Text, Status: q.Status, LogID: q.LogID})
		},
	)

	switch res.Status {
	case poll.Completed:
		return res.Value, nil
	case poll.TimedOut:
		c.logger.Warn("asr recognition timed out", "audio_url", audioURL)
		return Result{}, ErrTimeout
	default:
		return Result{}, res.Err
	}
}

type submitRequest struct {
	User    userInfo    `json:"user"`
	Audio   audioInfo   `json:"audio"`
	Request requestInfo `json:"request"`
}

type userInfo struct {
	UID string `json:"uid"`
}

type audioInfo struct {
	Format string `json:"format"`
	Codec  string `json:"codec"`
	URL    string `json:"url"`
	Rate   int    `json:"rate,omitempty"`
}

type requestInfo struct {
	ModelName  string `json:"model_name"`
	EnableITN  bool   `json:"enable_itn"`
	EnablePunc bool   `json:"enable_punc"`
	EnableDDC  bool   `json:"enable_ddc"`
}

type legacyResp struct {
	Resp *struct {
		Code       json.Number `json:"code"`
		ID         string      `json:"id"`
		Message    string      `json:"message"`
		Text       string      `json:"text"`
		Utterances []utterance `json:"utterances"`
	} `json:"resp"`
}

type utterance struct {
	Text string `json:"text"`
}

// Submit ставит задачу распознавания. ID задачи совпадает с X-Api-Request-Id,
// если upstream подтвердил прием заголовками; иначе берется resp.id из тела.
func (c *Client) Submit(ctx context.Context, audioURL string) (Task, error) {
	if !c.configured() {
		return Task{}, ErrNotConfigured
	}

	format, codec := FormatFor(audioURL)
	requestID := c.newID()

	payload, err := json.Marshal(submitRequest{
		User:  userInfo{UID: defaultUID},
		Audio: audioInfo{Format: format, Codec: codec, URL: audioURL, Rate: c.sampleRate},
		Request: requestInfo{
			ModelName:  c.modelName,
			EnableITN:  c.enableITN,
			EnablePunc: c.enablePunc,
			EnableDDC:  c.enableDDC,
		},
	})
	if err != nil {
		return Task{}, fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := c.newRequest(ctx, c.submitURL, requestID, payload)
	if err != nil {
		return Task{}, err
	}

	c.logger.Info("asr submit", "url", c.submitURL, "audio_url", audioURL, "format", format, "app_id", logging.MaskSecret(c.appID))
	c.logger.Debug("asr submit request", "headers", logging.SafeHeaders(req.Header, sensitiveHeaders...), "body", string(payload))

	resp, body, err := c.do(req)
	if err != nil {
		return Task{}, fmt.Errorf("asr submit: %w", err)
	}

	status := resp.Header.Get(headerStatusCode)
	message := resp.Header.Get(headerMessage)
	logID := resp.Header.Get(headerLogID)
	c.logger.Info("asr submit response", "http_status", resp.StatusCode, "status_code", status, "message", message, "logid", logID)
	c.logger.Debug("asr submit response detail", "headers", logging.SafeHeaders(resp.Header), "body", truncate(string(body), 1000))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Task{}, &StatusError{Op: "submit", HTTPStatus: resp.StatusCode, Code: status, Message: string(body), LogID: logID, Kind: ErrSubmitRejected}
	}

	if status == codeSuccess && (message == "" || strings.EqualFold(message, "OK")) {
		return Task{ID: requestID, RequestID: requestID, LogID: logID}, nil
	}

	var parsed legacyResp
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			c.logger.Debug("asr submit body is not json", "error", err)
		}
	}
	if parsed.Resp != nil && parsed.Resp.Code.String() == legacyCodeSuccess && parsed.Resp.ID != "" {
		return Task{ID: parsed.Resp.ID, RequestID: requestID, LogID: logID}, nil
	}

	if message == "" && parsed.Resp != nil {
		message = parsed.Resp.Message
	}
	if message == "" {
		message = "submit failed"
	}
	c.logger.Error("asr submit rejected", "status_code", status, "message", message, "logid", logID)
	return Task{}, &StatusError{Op: "submit", HTTPStatus: resp.StatusCode, Code: status, Message: message, LogID: logID, Kind: ErrSubmitRejected}
}

type queryResponse struct {
	Result *struct {
		Text       string      `json:"text"`
		Utterances []utterance `json:"utterances"`
	} `json:"result"`
	legacyResp
}

// Query опрашивает задачу один раз. Processing не ошибка; терминальные отказы
// возвращаются как *StatusError.
func (c *Client) Query(ctx context.Context, task Task) (QueryResult, error) {
	if !c.configured() {
		return QueryResult{}, ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{"id": task.ID})
	if err != nil {
		return QueryResult{}, fmt.Errorf("marshal query request: %w", err)
	}

	requestID := task.RequestID
	if requestID == "" {
		requestID = c.newID()
	}
	req, err := c.newRequest(ctx, c.queryURL, requestID, payload)
	if err != nil {
		return QueryResult{}, err
	}

	c.logger.Info("asr query", "task_id", task.ID, "app_id", logging.MaskSecret(c.appID))
	c.logger.Debug("asr query request", "headers", logging.SafeHeaders(req.Header, sensitiveHeaders...), "body", string(payload))

	resp, body, err := c.do(req)
	if err != nil {
		return QueryResult{}, fmt.Errorf("asr query: %w", err)
	}

	status := resp.Header.Get(headerStatusCode)
	message := resp.Header.Get(headerMessage)
	logID := resp.Header.Get(headerLogID)
	c.logger.Info("asr query response", "http_status", resp.StatusCode, "status_code", status, "message", message, "logid", logID)
	c.logger.Debug("asr query response detail", "headers", logging.SafeHeaders(resp.Header), "body", truncate(string(body), 1000))

	fail := func(kind error, msg string) (QueryResult, error) {
		return QueryResult{}, &StatusError{Op: "query", HTTPStatus: resp.StatusCode, Code: status, Message: msg, LogID: logID, Kind: kind}
	}

	switch {
	case status == codeProcessing || status == codeQueued:
		return QueryResult{Status: StatusProcessing, LogID: logID}, nil
	case status == codeSilent:
		return fail(ErrSilent, message)
	case strings.HasPrefix(status, "450"):
		return fail(ErrInvalidParams, message)
	case status == codeBusy:
		return fail(ErrBusy, message)
	case strings.HasPrefix(status, "550"):
		return fail(ErrInternal, message)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(ErrInvalidResponse, string(body))
	}

	var parsed queryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if status == codeSuccess {
			return QueryResult{Status: StatusCompleted, LogID: logID}, nil
		}
		return fail(ErrInvalidResponse, "response is not json")
	}

	completed := func(text string) (QueryResult, error) {
		return QueryResult{Status: StatusCompleted, Text: text, LogID: logID}, nil
	}

	if r := parsed.Result; r != nil {
		if r.Text != "" {
			return completed(r.Text)
		}
		if text := joinUtterances(r.Utterances); text != "" {
			return completed(text)
		}
		if status == codeSuccess {
			return completed("")
		}
	}

	if r := parsed.Resp; r != nil {
		if r.Code.String() != legacyCodeSuccess {
			msg := r.Message
			if msg == "" {
				msg = "query failed"
			}
			return fail(ErrInvalidResponse, msg)
		}
		if r.Text != "" {
			return completed(r.Text)
		}
		return completed(joinUtterances(r.Utterances))
	}

	if status == codeSuccess {
		return completed("")
	}
	return fail(ErrInvalidResponse, "unexpected query response")
}

func (c *Client) newRequest(ctx context.Context, endpoint, requestID string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-App-Key", c.appID)
	req.Header.Set("X-Api-Access-Key", c.accessToken)
	req.Header.Set("X-Api-Resource-Id", c.resourceID)
	req.Header.Set("X-Api-Request-Id", requestID)
	req.Header.Set("X-Api-Sequence", "-1")
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

// FormatFor определяет формат и кодек по расширению файла в URL. По умолчанию wav/pcm.
func FormatFor(audioURL string) (format, codec string) {
	p := audioURL
	if u, err := url.Parse(audioURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".ogg":
		return "ogg", "opus"
	case ".webm":
		return "webm", "opus"
	case ".mp3":
		return "mp3", "mp3"
	default:
		return "wav", "pcm"
	}
}

func joinUtterances(items []utterance) string {
	texts := make([]string, 0, len(items))
	for _, u := range items {
		if u.Text != "" {
			texts = append(texts, u.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

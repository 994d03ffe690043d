package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/asr"
	"voicegate/internal/config"
	"voicegate/internal/httpserver"
	"voicegate/internal/llm"
)

type stubProvider struct {
	name    string
	chunks  []llm.Chunk
	answer  string
	err     error
	gate    chan struct{}
	started chan struct{}
	streams int32
	calls   int32
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Stream(ctx context.Context, req llm.ChatRequest) <-chan llm.Chunk {
	atomic.AddInt32(&s.streams, 1)
	if s.started != nil {
		close(s.started)
	}
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if s.gate != nil {
			<-s.gate
		}
		for _, c := range s.chunks {
			ch <- c
		}
		ch <- llm.Chunk{Done: true}
	}()
	return ch
}

func (s *stubProvider) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.answer, s.err
}

type stubTTS struct {
	mu    sync.Mutex
	audio []byte
	err   error
	texts []string
}

func (s *stubTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.audio, s.err
}

type stubASR struct {
	mu     sync.Mutex
	result asr.Result
	err    error
	urls   []string
	onCall func(audioURL string)
}

func (s *stubASR) Recognize(ctx context.Context, audioURL string) (asr.Result, error) {
	s.mu.Lock()
	s.urls = append(s.urls, audioURL)
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(audioURL)
	}
	return s.result, s.err
}

func (s *stubASR) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

type testEnv struct {
	handler  *Handler
	router   http.Handler
	selector *llm.Selector
	tts      *stubTTS
	asr      *stubASR
	volcano  *stubProvider
	feishu   *stubProvider
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	volcano := &stubProvider{name: config.ProviderVolcano}
	feishu := &stubProvider{name: config.ProviderFeishuAily}
	sel, err := llm.NewSelector(config.ProviderFeishuAily, volcano, feishu)
	require.NoError(t, err)

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		selector: sel,
		tts:      &stubTTS{audio: []byte("ID3")},
		asr:      &stubASR{result: asr.Result{Text: "hello", Status: asr.StatusCompleted}},
		volcano:  volcano,
		feishu:   feishu,
		dir:      dir,
	}

	env.handler = New(Deps{
		Selector: sel,
		TTS:      env.tts,
		ASR:      env.asr,
		Logger:   logger,
		Server: config.ServerConfig{
			Port:         8001,
			StaticDir:    filepath.Join(dir, "static"),
			IndexFile:    filepath.Join(dir, "index.html"),
			ResourcesDir: filepath.Join(dir, "resources"),
			WSEnabled:    true,
		},
		Upload: config.UploadConfig{
			Dir:      filepath.Join(dir, "uploads"),
			MaxBytes: 5 * 1024 * 1024,
		},
		TTSMaxChars: 1000,
	})
	env.handler.now = func() time.Time { return time.Unix(1700000000, 0) }
	env.router = httpserver.NewRouter(httpserver.RouterDeps{Logger: logger, Routes: env.handler})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1700000000), body["timestamp"])
	assert.Equal(t, "1.0.0", body["version"])
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
}

func TestUploadsIndexAndFiles(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/uploads/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "uploads index ok", body["message"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/uploads/missing.wav", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "uploads", "1_a.wav"), []byte("RIFF"), 0o644))
	rec = env.do(httptest.NewRequest(http.MethodGet, "/uploads/1_a.wav", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF", rec.Body.String())
}

func TestStaticFiles(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.MkdirAll(filepath.Join(env.dir, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "static", "app.js"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "index.html"), []byte("<html>chat</html>"), 0o644))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat")
}

func TestTTSReturnsAudio(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(jsonRequest(http.MethodPost, "/api/tts", `{"text":"  你好  "}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="speech.mp3"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "ID3", rec.Body.String())
	assert.Equal(t, []string{"你好"}, env.tts.texts)
}

func TestTTSTruncatesLongText(t *testing.T) {
	env := newTestEnv(t)

	long := strings.Repeat("语", 1500)
	payload, _ := json.Marshal(map[string]string{"text": long})
	rec := env.do(jsonRequest(http.MethodPost, "/api/tts", string(payload)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.tts.texts, 1)
	assert.Equal(t, 1000, len([]rune(env.tts.texts[0])))
}

func TestTTSErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(jsonRequest(http.MethodPost, "/api/tts", `{"text":"   "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
	assert.Empty(t, env.tts.texts)

	env.tts.err = io.ErrUnexpectedEOF
	rec = env.do(jsonRequest(http.MethodPost, "/api/tts", `{"text":"hi"}`))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["error"])
}

func TestCORSHeaderOnAPI(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", bytes.NewReader(nil))
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := env.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

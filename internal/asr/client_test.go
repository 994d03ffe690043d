package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicegate/internal/config"
)

type queryStep struct {
	status  string
	message string
	body    string
}

// fakeASR отвечает на submit заголовками успеха и проигрывает сценарий query.
type fakeASR struct {
	t *testing.T

	mu           sync.Mutex
	submitStatus string
	submitBody   string
	steps        []queryStep
	submits      int
	queries      int
	lastSubmit   submitRequest
	queryIDs     []string
	queryReqIDs  []string
}

func (f *fakeASR) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.submits++

		assert.Equal(f.t, "app-1", r.Header.Get("X-Api-App-Key"))
		assert.Equal(f.t, "access-secret", r.Header.Get("X-Api-Access-Key"))
		assert.Equal(f.t, "volc.bigasr.auc", r.Header.Get("X-Api-Resource-Id"))
		assert.Equal(f.t, "-1", r.Header.Get("X-Api-Sequence"))
		assert.Equal(f.t, "req-1", r.Header.Get("X-Api-Request-Id"))
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastSubmit))

		w.Header().Set("X-Tt-Logid", "log-submit")
		if f.submitStatus != "" {
			w.Header().Set("X-Api-Status-Code", f.submitStatus)
		}
		_, _ = w.Write([]byte(f.submitBody))
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		var body map[string]string
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.queryIDs = append(f.queryIDs, body["id"])
		f.queryReqIDs = append(f.queryReqIDs, r.Header.Get("X-Api-Request-Id"))

		idx := f.queries
		if idx >= len(f.steps) {
			idx = len(f.steps) - 1
		}
		f.queries++
		step := f.steps[idx]

		w.Header().Set("X-Api-Status-Code", step.status)
		if step.message != "" {
			w.Header().Set("X-Api-Message", step.message)
		}
		_, _ = w.Write([]byte(step.body))
	})
	return mux
}

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestClient(t *testing.T, fake *fakeASR) (*Client, *fakeClock) {
	t.Helper()
	fake.t = t
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	c := NewClient(config.ASRConfig{
		AppID:        "app-1",
		AccessToken:  "access-secret",
		SubmitURL:    srv.URL + "/submit",
		QueryURL:     srv.URL + "/query",
		ResourceID:   "volc.bigasr.auc",
		ModelName:    "bigmodel",
		SampleRate:   16000,
		EnableITN:    true,
		MaxWait:      10 * time.Second,
		PollInterval: 2 * time.Second,
	}, srv.Client(), nil)
	c.newID = func() string { return "req-1" }

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.policy.Now = clock.Now
	c.policy.Sleep = clock.Sleep
	return c, clock
}

func TestRecognizeCompletesAfterTwoSleeps(t *testing.T) {
	fake := &fakeASR{
		submitStatus: "20000000",
		steps: []queryStep{
			{status: "20000001"},
			{status: "20000001"},
			{status: "20000000", body: `{"result":{"text":"hello"}}`},
		},
	}
	c, clock := newTestClient(t, fake)

	res, err := c.Recognize(context.Background(), "https://voice.example.com/uploads/1_a.wav")
	require.NoError(t, err)

	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, clock.sleeps, 2)
	assert.Equal(t, 1, fake.submits)
	assert.Equal(t, 3, fake.queries)
	assert.Equal(t, []string{"req-1", "req-1", "req-1"}, fake.queryIDs)
	assert.Equal(t, []string{"req-1", "req-1", "req-1"}, fake.queryReqIDs)

	assert.Equal(t, "chatagent_user", fake.lastSubmit.User.UID)
	assert.Equal(t, "wav", fake.lastSubmit.Audio.Format)
	assert.Equal(t, "pcm", fake.lastSubmit.Audio.Codec)
	assert.Equal(t, "https://voice.example.com/uploads/1_a.wav", fake.lastSubmit.Audio.URL)
	assert.Equal(t, "bigmodel", fake.lastSubmit.Request.ModelName)
	assert.True(t, fake.lastSubmit.Request.EnableITN)
}

func TestRecognizeTimesOut(t *testing.T) {
	fake := &fakeASR{
		submitStatus: "20000000",
		steps:        []queryStep{{status: "20000002"}},
	}
	c, clock := newTestClient(t, fake)
	start := clock.Now()

	_, err := c.Recognize(context.Background(), "https://voice.example.com/a.mp3")
	require.ErrorIs(t, err, ErrTimeout)

	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 10*time.Second)
	assert.LessOrEqual(t, elapsed, 12*time.Second)
}

func TestRecognizeSubmitFailureSkipsQuery(t *testing.T) {
	fake := &fakeASR{
		submitStatus: "45000001",
		submitBody:   `{"resp":{"code":2001,"message":"bad url"}}`,
		steps:        []queryStep{{status: "20000000"}},
	}
	c, clock := newTestClient(t, fake)

	_, err := c.Recognize(context.Background(), "https://voice.example.com/a.wav")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "45000001", statusErr.Code)
	assert.Equal(t, "bad url", statusErr.Message)
	assert.ErrorIs(t, err, ErrSubmitRejected)
	assert.Equal(t, 0, fake.queries)
	assert.Empty(t, clock.sleeps)
}

func TestSubmitLegacyBodyTaskID(t *testing.T) {
	fake := &fakeASR{submitBody: `{"resp":{"code":1000,"id":"task-legacy"}}`}
	c, _ := newTestClient(t, fake)

	task, err := c.Submit(context.Background(), "https://voice.example.com/a.ogg")
	require.NoError(t, err)
	assert.Equal(t, "task-legacy", task.ID)
	assert.Equal(t, "req-1", task.RequestID)
	assert.Equal(t, "log-submit", task.LogID)
	assert.Equal(t, "ogg", fake.lastSubmit.Audio.Format)
	assert.Equal(t, "opus", fake.lastSubmit.Audio.Codec)
}

func TestQueryStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		step queryStep
		kind error
		text string
	}{
		{name: "silent", step: queryStep{status: "20000003"}, kind: ErrSilent},
		{name: "invalid params", step: queryStep{status: "45000002", message: "empty audio"}, kind: ErrInvalidParams},
		{name: "busy", step: queryStep{status: "55000031"}, kind: ErrBusy},
		{name: "internal", step: queryStep{status: "55000001"}, kind: ErrInternal},
		{name: "garbage", step: queryStep{status: "", body: `{"foo":1}`}, kind: ErrInvalidResponse},
		{name: "legacy failure", step: queryStep{body: `{"resp":{"code":1013,"message":"expired"}}`}, kind: ErrInvalidResponse},
		{name: "utterances", step: queryStep{status: "20000000", body: `{"result":{"utterances":[{"text":"a"},{"text":""},{"text":"b"}]}}`}, text: "a\nb"},
		{name: "empty success", step: queryStep{status: "20000000", body: `{"result":{}}`}, text: ""},
		{name: "empty body success", step: queryStep{status: "20000000"}, text: ""},
		{name: "legacy success", step: queryStep{body: `{"resp":{"code":1000,"text":"old"}}`}, text: "old"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeASR{steps: []queryStep{tc.step}}
			c, _ := newTestClient(t, fake)

			res, err := c.Query(context.Background(), Task{ID: "task-1", RequestID: "req-1"})
			if tc.kind != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, res.Status)
			assert.Equal(t, tc.text, res.Text)
		})
	}
}

func TestRecognizeNotConfigured(t *testing.T) {
	c := NewClient(config.ASRConfig{SubmitURL: "http://127.0.0.1:1", QueryURL: "http://127.0.0.1:1"}, nil, nil)
	_, err := c.Recognize(context.Background(), "https://voice.example.com/a.wav")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFormatFor(t *testing.T) {
	tests := map[string][2]string{
		"https://h/x.wav":         {"wav", "pcm"},
		"https://h/x.MP3":         {"mp3", "mp3"},
		"https://h/x.ogg?sig=1":   {"ogg", "opus"},
		"https://h/x.webm":        {"webm", "opus"},
		"https://h/uploads/noext": {"wav", "pcm"},
	}
	for in, want := range tests {
		format, codec := FormatFor(in)
		assert.Equal(t, want[0], format, in)
		assert.Equal(t, want[1], codec, in)
	}
}

func TestRecognizeLogsMaskedCredentials(t *testing.T) {
	fake := &fakeASR{
		submitStatus: "20000000",
		steps:        []queryStep{{status: "20000000", body: `{"result":{"text":"ok"}}`}},
	}
	c, _ := newTestClient(t, fake)
	var buf bytes.Buffer
	c.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := c.Recognize(context.Background(), "https://voice.example.com/uploads/1_a.wav")
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, `"app_id":"***"`)
	assert.NotContains(t, logs, "app-1")
	assert.NotContains(t, logs, "access-secret")
}

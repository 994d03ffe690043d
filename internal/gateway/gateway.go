package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/asr"
	"voicegate/internal/config"
	"voicegate/internal/httpserver"
	"voicegate/internal/llm"
	"voicegate/internal/middleware"
)

const version = "1.0.0"

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, audioURL string) (asr.Result, error)
}

type Deps struct {
	Selector    *llm.Selector
	TTS         Synthesizer
	ASR         Recognizer
	Logger      *slog.Logger
	Server      config.ServerConfig
	Upload      config.UploadConfig
	TTSMaxChars int
}

// Handler HTTP-поверхность шлюза: чат, переключение LLM, STT, TTS и статика.
type Handler struct {
	selector    *llm.Selector
	tts         Synthesizer
	asr         Recognizer
	logger      *slog.Logger
	server      config.ServerConfig
	upload      config.UploadConfig
	ttsMaxChars int
	now         func() time.Time
}

func New(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		selector:    deps.Selector,
		tts:         deps.TTS,
		asr:         deps.ASR,
		logger:      logger,
		server:      deps.Server,
		upload:      deps.Upload,
		ttsMaxChars: deps.TTSMaxChars,
		now:         time.Now,
	}
}

// Register вешает маршруты шлюза на роутер.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.handleChat)
		r.Post("/switch-llm", h.handleSwitchLLM)
		r.Post("/stt", h.handleSTT)
		r.Post("/tts", h.handleTTS)
		r.Get("/health", h.handleHealth)
	})

	r.Get("/uploads/", h.handleUploadsIndex)
	r.Get("/uploads/{name}", h.handleUploadedFile)

	if h.server.WSEnabled {
		r.Get("/ws/chat", h.handleWSChat)
	}

	r.Get("/", h.handleIndex)
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(h.server.StaticDir))))
	r.Handle("/resources/*", http.StripPrefix("/resources/", http.FileServer(http.Dir(h.server.ResourcesDir))))
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Version   string `json:"version"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: h.now().Unix(),
		Version:   version,
	})
}

// requestLogger логгер с request_id текущего запроса.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return h.logger.With("request_id", middleware.RequestIDFrom(r.Context()))
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.ServeFile(w, r, filepath.Clean(h.server.IndexFile))
}

package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"voicegate/internal/middleware"
)

// Routes регистрирует обработчики приложения на роутере.
type Routes interface {
	Register(r chi.Router)
}

type RouterDeps struct {
	Logger *slog.Logger
	Routes Routes
}

// NewRouter собирает chi-роутер с общими middleware и JSON-ответами для 404/405.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger))
	r.Use(middleware.CORS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusNotFound, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	if deps.Routes != nil {
		deps.Routes.Register(r)
	}
	return r
}

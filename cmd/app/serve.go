package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voicegate/internal/gateway"
	"voicegate/internal/httpserver"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts, os.Stdout)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), a)
		},
	}
}

func runServer(parent context.Context, a *app) error {
	cfg := a.cfg
	logger := a.logger

	if err := os.MkdirAll(cfg.Upload.Dir, 0o755); err != nil {
		return err
	}

	handler := gateway.New(gateway.Deps{
		Selector:    a.selector,
		TTS:         a.tts,
		ASR:         a.asr,
		Logger:      logger,
		Server:      cfg.Server,
		Upload:      cfg.Upload,
		TTSMaxChars: cfg.TTS.MaxChars,
	})

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Logger: logger,
		Routes: handler,
	})

	// WriteTimeout не задан: SSE и распознавание держат ответ дольше минуты.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.Addr()),
			slog.String("llm_provider", a.selector.Current().Name),
			slog.Bool("ws_enabled", cfg.Server.WSEnabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"voicegate/internal/asr"
	"voicegate/internal/auth"
	"voicegate/internal/config"
	"voicegate/internal/llm"
	"voicegate/internal/logging"
	"voicegate/internal/transport"
	"voicegate/internal/tts"
)

const version = "1.0.0"

type rootOptions struct {
	envFile    string
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	serve := newServeCmd(opts)
	root := &cobra.Command{
		Use:     "voicegate",
		Short:   "Voice and chat gateway for LLM, TTS and ASR services",
		Version: version,
		Example: `  # Run the HTTP gateway
  $ voicegate serve

  # Synthesize speech into a file
  $ voicegate speak "你好" -o hello.mp3

  # Recognize a public audio file
  $ voicegate transcribe https://example.com/audio.wav

  # Ask the active LLM provider
  $ voicegate ask "hello" --provider volcano`,
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "path to .env file")
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "optional config file (yaml, json, toml)")

	root.AddCommand(serve)
	root.AddCommand(newSpeakCmd(opts))
	root.AddCommand(newTranscribeCmd(opts))
	root.AddCommand(newAskCmd(opts))
	return root
}

// app клиенты upstream-сервисов, собранные из конфигурации.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	selector *llm.Selector
	tts      *tts.Client
	asr      *asr.Client
}

// loadApp читает конфигурацию и собирает клиенты. Логи пишутся в logOut:
// serve пишет в stdout, одноразовые команды в stderr.
func loadApp(opts *rootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(config.Options{EnvFile: opts.envFile, ConfigFile: opts.configFile})
	if err != nil {
		printError("failed to load config: %v", err)
		return nil, fmt.Errorf("config load failed")
	}

	logger, err := logging.New(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	httpClient := transport.NewHTTPClient(cfg.RequestTimeout)
	streamingClient := transport.NewStreamingClient(cfg.RequestTimeout)

	var store auth.Store
	switch strings.ToLower(cfg.Feishu.TokenStore) {
	case "file":
		fileStore, err := auth.NewFileStore(cfg.Feishu.TokenStorePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init token store: %w", err)
		}
		store = fileStore
	default:
		store = auth.NewMemoryStore()
	}
	tokens := auth.NewTenantTokenSource(httpClient, cfg.Feishu.BaseURL, cfg.Feishu.AppID, cfg.Feishu.AppSecret, store, logger)

	selector, err := llm.NewSelector(cfg.LLMProvider,
		llm.NewVolcano(cfg.Volcano, streamingClient, logger),
		llm.NewFeishu(cfg.Feishu, tokens, httpClient, logger),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		selector: selector,
		tts:      tts.NewClient(cfg.TTS, streamingClient, logger),
		asr:      asr.NewClient(cfg.ASR, httpClient, logger),
	}, nil
}

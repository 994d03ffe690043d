package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// New создает slog.Logger с заданным уровнем и форматом (json или text).
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MaskSecret скрывает секрет для диагностических логов.
// Короткие значения заменяются целиком, у длинных остаются 2 символа по краям.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:2] + "***" + secret[len(secret)-2:]
}

// SafeHeaders возвращает копию заголовков для логов с маскированными ключами.
func SafeHeaders(h map[string][]string, sensitive ...string) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		out[key] = strings.Join(values, ",")
	}
	for _, key := range sensitive {
		for k := range out {
			if strings.EqualFold(k, key) {
				out[k] = "***"
			}
		}
	}
	return out
}

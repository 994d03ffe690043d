package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

	defaultExpire = 7200 * time.Second
	// Токен считается просроченным на 5 минут раньше, чем говорит Feishu.
	expiryMargin = 300 * time.Second
)

var ErrNotConfigured = errors.New("feishu app credentials are not configured")

// Token tenant_access_token конкретного приложения.
type Token struct {
	AppID     string    `json:"app_id"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid сообщает, можно ли еще использовать токен в момент now.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type Store interface {
	Save(token Token) error
	Get(appID string) (Token, bool)
	Delete(appID string)
}

// TenantTokenSource выдает tenant_access_token, запрашивая новый только когда кэш истек.
type TenantTokenSource struct {
	httpClient *http.Client
	baseURL    string
	appID      string
	appSecret  string
	store      Store
	logger     *slog.Logger
	now        func() time.Time

	mu sync.Mutex
}

func NewTenantTokenSource(httpClient *http.Client, baseURL, appID, appSecret string, store Store, logger *slog.Logger) *TenantTokenSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantTokenSource{
		httpClient: httpClient,
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}
}

// Token возвращает действующий токен из хранилища или получает новый.
func (s *TenantTokenSource) Token(ctx context.Context) (string, error) {
	if s.appID == "" || s.appSecret == "" {
		return "", ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.store.Get(s.appID); ok && cached.Valid(s.now()) {
		return cached.Value, nil
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if err := s.store.Save(token); err != nil {
		s.logger.Warn("failed to persist tenant token", "app_id", s.appID, "error", err)
	}
	return token.Value, nil
}

// Invalidate сбрасывает кэш, следующий Token пойдет в Feishu.
func (s *TenantTokenSource) Invalidate() {
	s.store.Delete(s.appID)
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

func (s *TenantTokenSource) fetch(ctx context.Context) (Token, error) {
	payload, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return Token{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+tenantTokenPath, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("request tenant token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("tenant token: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tenantTokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.Code != 0 {
		return Token{}, fmt.Errorf("tenant token: code %d: %s", parsed.Code, parsed.Msg)
	}
	if parsed.TenantAccessToken == "" {
		return Token{}, fmt.Errorf("tenant token: empty token in response")
	}

	expire := defaultExpire
	if parsed.Expire > 0 {
		expire = time.Duration(parsed.Expire) * time.Second
	}

	s.logger.Debug("tenant token refreshed", "app_id", s.appID, "expire", expire.String())
	return Token{
		AppID:     s.appID,
		Value:     parsed.TenantAccessToken,
		ExpiresAt: s.now().Add(expire - expiryMargin),
	}, nil
}

package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore держит токены в памяти и атомарно сбрасывает их в JSON-файл,
// чтобы перезапуск сервера не требовал нового tenant_access_token.
// Формат файла: map[appID]Token.
type FileStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
	path   string
	logger *slog.Logger
}

// NewFileStore создает FileStore и загружает данные из файла.
// Поврежденный файл не ошибка: стартуем с пустым кэшем.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("filestore path is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	fs := &FileStore{
		tokens: make(map[string]Token),
		path:   path,
		logger: logger,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (s *FileStore) Save(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[token.AppID] = token
	return s.persistLocked()
}

func (s *FileStore) Get(appID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[appID]
	return token, ok
}

// Delete ошибку записи только логирует, как и MemoryStore ничего не возвращает.
func (s *FileStore) Delete(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, appID)
	if err := s.persistLocked(); err != nil {
		s.logger.Warn("token filestore persist after delete failed", "error", err)
	}
}

func (s *FileStore) load() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("token filestore read failed", "path", s.path, "error", err)
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string]Token
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("token filestore unmarshal failed", "path", s.path, "error", err)
		return nil
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for appID, token := range raw {
		if !token.Valid(now) {
			s.logger.Debug("token filestore skip expired token", "app_id", appID)
			continue
		}
		if token.AppID == "" {
			token.AppID = appID
		}
		s.tokens[appID] = token
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tokens: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	cleanup := func(step string, err error) error {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := tmpFile.Chmod(0o600); err != nil && !errors.Is(err, os.ErrPermission) {
		return cleanup("chmod temp file", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		return cleanup("write temp file", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return cleanup("sync temp file", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

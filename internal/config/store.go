package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store процессный источник конфигурации: хранит текущий снимок,
// умеет перечитывать файл и атомарно подменять API-ключ.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	cfg     Config
	fileKey string

	apiKey atomic.Pointer[string]
}

// NewStore загружает конфигурацию из path и возвращает готовый Store.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewStoreFrom(path, cfg, logger), nil
}

// NewStoreFrom оборачивает уже загруженную конфигурацию.
func NewStoreFrom(path string, cfg Config, logger *slog.Logger) *Store {
	s := &Store{
		path:    path,
		logger:  logger,
		cfg:     cfg,
		fileKey: cfg.OpenAI.APIKey,
	}
	key := cfg.OpenAI.APIKey
	s.apiKey.Store(&key)
	return s
}

// Current возвращает снимок конфигурации с актуальным API-ключом.
func (s *Store) Current() Config {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	cfg.OpenAI.APIKey = s.APIKey()
	return cfg
}

// APIKey возвращает активный ключ провайдера.
func (s *Store) APIKey() string {
	if p := s.apiKey.Load(); p != nil {
		return *p
	}
	return ""
}

// SetAPIKey атомарно подменяет активный ключ.
func (s *Store) SetAPIKey(key string) {
	s.apiKey.Store(&key)
}

// Reload перечитывает файл конфигурации.
// Ключ, подменённый в рантайме, сохраняется, если в файле ключ не менялся.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	s.mu.Lock()
	keyChanged := cfg.OpenAI.APIKey != s.fileKey
	s.fileKey = cfg.OpenAI.APIKey
	s.cfg = cfg
	s.mu.Unlock()

	if keyChanged {
		s.SetAPIKey(cfg.OpenAI.APIKey)
	}
	if s.logger != nil {
		s.logger.Info("config reloaded", slog.String("path", s.path), slog.Bool("api_key_changed", keyChanged))
	}
	return nil
}

// Watch следит за файлом конфигурации и вызывает Reload при его изменении.
// Блокируется до отмены ctx.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Следим за каталогом: редакторы часто заменяют файл через rename.
	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", target, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil && s.logger != nil {
				s.logger.Error("config watch reload failed", slog.String("error", err.Error()))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if s.logger != nil {
				s.logger.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}
}

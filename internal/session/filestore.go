package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// persistedSession формат одной сессии в файле.
type persistedSession struct {
	Messages    []Message `json:"messages"`
	Tokens      int       `json:"tokens"`
	CreatedAt   time.Time `json:"created_at"`
	LastTouched time.Time `json:"last_touched"`
}

// SaveFile атомарно записывает все живые сессии в JSON-файл path.
// Формат файла: объект map[identity]persistedSession.
func (s *Store) SaveFile(path string) error {
	if path == "" {
		return errors.New("session file path is empty")
	}

	s.mu.RLock()
	now := s.now()
	payload := make(map[string]persistedSession, len(s.sessions))
	for id, sess := range s.sessions {
		if s.ttl > 0 && now.Sub(sess.lastTouched) > s.ttl {
			continue
		}
		payload[id] = persistedSession{
			Messages:    append([]Message(nil), sess.messages...),
			Tokens:      sess.tokens,
			CreatedAt:   sess.createdAt,
			LastTouched: sess.lastTouched,
		}
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	return writeFileAtomic(path, data)
}

// LoadFile загружает сессии из path. Отсутствующий файл не ошибка.
// Истёкшие по TTL сессии пропускаются; уже существующие в памяти не перезаписываются.
func (s *Store) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read session file: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}

	var raw map[string]persistedSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("decode session file %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var loaded int
	for id, ps := range raw {
		if id == "" {
			continue
		}
		if s.ttl > 0 && now.Sub(ps.LastTouched) > s.ttl {
			continue
		}
		if _, exists := s.sessions[id]; exists {
			continue
		}
		s.sessions[id] = &Session{
			id:          id,
			messages:    ps.Messages,
			tokens:      ps.Tokens,
			createdAt:   ps.CreatedAt,
			lastTouched: ps.LastTouched,
		}
		loaded++
	}
	if s.logger != nil {
		s.logger.Info("sessions loaded", slog.String("path", path), slog.Int("count", loaded))
	}
	return loaded, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Settings параметры, которые могут меняться при перечитывании конфигурации.
type Settings struct {
	SystemPrompt string
	// MaxTokens размер окна истории; 0 отключает обрезку.
	MaxTokens int
}

// StoreConfig конфигурация для создания Store.
type StoreConfig struct {
	// Settings вызывается при каждом обращении, чтобы подхватывать новые значения.
	Settings  func() Settings
	TTL       time.Duration
	Estimator Estimator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Store потокобезопасное in-memory хранилище сессий с поддержкой TTL.
// Единственный, кто меняет отображение identity → Session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*identityLock

	settings  func() Settings
	ttl       time.Duration
	estimator Estimator
	logger    *slog.Logger
	now       func() time.Time
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore создаёт новое хранилище сессий.
// Если ttl == 0, сессии никогда не истекают.
func NewStore(cfg StoreConfig) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		locks:     make(map[string]*identityLock),
		settings:  cfg.Settings,
		ttl:       cfg.TTL,
		estimator: cfg.Estimator,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if s.settings == nil {
		s.settings = func() Settings { return Settings{} }
	}
	if s.estimator == nil {
		s.estimator = EstimateTokens
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Lock сериализует работу с одной identity: запрос пользователя, вызов модели
// и запись ответа не должны перемежаться с другим вызовом для той же identity.
// Разные identity друг друга не блокируют.
func (s *Store) Lock(identity string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[identity]
	if !ok {
		l = &identityLock{}
		s.locks[identity] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, identity)
		}
		s.locksMu.Unlock()
	}
}

// Query добавляет сообщение пользователя в сессию identity (создавая её при необходимости),
// обрезает историю под окно и возвращает снимок для запроса к модели.
func (s *Store) Query(text, identity string) Snapshot {
	settings := s.settings()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := s.lookupLocked(identity, now)
	if sess == nil {
		sess = newSession(identity, settings.SystemPrompt, now)
		s.sessions[identity] = sess
	}

	sess.messages = append(sess.messages, Message{Role: RoleUser, Content: text, Timestamp: now})
	sess.lastTouched = now
	s.trimLocked(sess, settings.MaxTokens, 0)

	return sess.snapshot()
}

// Record добавляет ответ ассистента. totalTokens: фактический размер диалога по данным провайдера.
// Если сессии нет, это ошибка в логике вызывающей стороны: пишем в лог и ничего не делаем.
func (s *Store) Record(content, identity string, totalTokens int) {
	settings := s.settings()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := s.lookupLocked(identity, now)
	if sess == nil {
		if s.logger != nil {
			s.logger.Error("record reply for unknown session", slog.String("session_id", identity))
		}
		return
	}

	sess.messages = append(sess.messages, Message{Role: RoleAssistant, Content: content, Timestamp: now})
	sess.lastTouched = now
	s.trimLocked(sess, settings.MaxTokens, totalTokens)
}

// Get возвращает снимок сессии.
func (s *Store) Get(identity string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.lookupLocked(identity, s.now())
	if sess == nil {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

// Clear удаляет сессию. Для отсутствующей identity ничего не делает.
func (s *Store) Clear(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, identity)
}

// ClearAll удаляет все сессии.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Session)
}

// Len возвращает число активных сессий (включая ещё не вычищенные истёкшие).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ClearExpired удаляет все сессии, у которых истёк TTL относительно now.
// Возвращает количество удалённых сессий.
func (s *Store) ClearExpired(now time.Time) int {
	if s.ttl == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for id, sess := range s.sessions {
		if now.Sub(sess.lastTouched) > s.ttl {
			delete(s.sessions, id)
			deleted++
		}
	}
	return deleted
}

// lookupLocked возвращает живую сессию; истёкшая удаляется (ленивая очистка).
func (s *Store) lookupLocked(identity string, now time.Time) *Session {
	sess, ok := s.sessions[identity]
	if !ok {
		return nil
	}
	if s.ttl > 0 && now.Sub(sess.lastTouched) > s.ttl {
		delete(s.sessions, identity)
		return nil
	}
	return sess
}

// trimLocked вытесняет самые старые не системные сообщения, пока история не влезет в окно.
// reported > 0 это размер, сообщённый провайдером; он точнее оценки и используется как стартовый.
func (s *Store) trimLocked(sess *Session, maxTokens int, reported int) {
	tokens := reported
	if tokens <= 0 {
		tokens = s.estimator(sess.messages)
	}

	for maxTokens > 0 && tokens > maxTokens {
		first := sess.firstEvictable()
		remaining := len(sess.messages) - first
		switch {
		case remaining > 1:
		case remaining == 1 && sess.messages[first].Role == RoleAssistant:
		default:
			if remaining == 1 && s.logger != nil {
				s.logger.Warn("single message exceeds context window",
					slog.String("session_id", sess.id),
					slog.Int("tokens", tokens),
					slog.Int("max_tokens", maxTokens))
			}
			sess.tokens = tokens
			return
		}
		sess.messages = append(sess.messages[:first], sess.messages[first+1:]...)
		tokens = s.estimator(sess.messages)
	}
	sess.tokens = tokens
}

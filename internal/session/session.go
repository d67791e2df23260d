package session

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message представляет одно сообщение в диалоге.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session история одного диалога и оценка её размера в токенах.
// Первое сообщение, если оно системное, никогда не вытесняется.
type Session struct {
	id          string
	messages    []Message
	tokens      int
	createdAt   time.Time
	lastTouched time.Time
}

// Snapshot неизменяемая копия сессии, которую можно отдавать наружу.
type Snapshot struct {
	ID       string
	Messages []Message
	Tokens   int
}

func newSession(id, systemPrompt string, now time.Time) *Session {
	s := &Session{
		id:          id,
		createdAt:   now,
		lastTouched: now,
	}
	if systemPrompt != "" {
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: systemPrompt, Timestamp: now})
	}
	return s
}

func (s *Session) snapshot() Snapshot {
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return Snapshot{ID: s.id, Messages: messages, Tokens: s.tokens}
}

func (s *Session) firstEvictable() int {
	if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		return 1
	}
	return 0
}

// Estimator оценивает число токенов, которое займут сообщения в запросе.
type Estimator func(messages []Message) int

const (
	tokensPerMessage = 4
	tokensPerReply   = 3
)

// EstimateTokens грубо оценивает размер истории без токенизатора:
// латиница около четырёх символов на токен, прочие символы по токену на руну.
func EstimateTokens(messages []Message) int {
	if len(messages) == 0 {
		return 0
	}
	total := tokensPerReply
	for _, m := range messages {
		total += tokensPerMessage + estimateText(string(m.Role)) + estimateText(m.Content)
	}
	return total
}

func estimateText(text string) int {
	var ascii, other int
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return (ascii+3)/4 + other
}

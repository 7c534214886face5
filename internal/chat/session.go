// Package chat keeps the in-memory conversation with the backend-hosted
// language model. Nothing here is persisted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
	"github.com/camuig/rohstoff-dashboard/internal/metrics"
)

const (
	DefaultProvider = "openai"
	DefaultModel    = "gpt-5"
)

var ErrEmptyMessage = errors.New("empty chat message")

type Message struct {
	ID     string           `json:"id"`
	Role   backend.ChatRole `json:"role"`
	Text   string           `json:"text"`
	Time   time.Time        `json:"time"`
	Failed bool             `json:"failed,omitempty"`
}

// SettingsSource supplies the provider selection. *store.Store implements it.
type SettingsSource interface {
	Settings() (backend.Settings, bool)
}

type Session struct {
	api      backend.API
	settings SettingsSource
	logger   *logger.Logger

	mu       sync.Mutex
	messages []Message
	pending  int
	subs     map[int]func()
	nextSub  int
}

func NewSession(api backend.API, settings SettingsSource, log *logger.Logger) *Session {
	s := &Session{
		api:      api,
		settings: settings,
		logger:   log.Component("chat"),
		subs:     make(map[int]func()),
	}
	provider, model := s.selection()
	s.messages = []Message{newMessage(backend.RoleAssistant, welcome(provider, model))}
	return s
}

// Send appends the user's message, asks the backend and appends the answer.
// A failed call still appends an assistant message, flagged Failed.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	provider, model := s.selection()
	s.append(newMessage(backend.RoleUser, text), 1)

	s.logger.Info("sending chat message", "provider", provider, "model", model, "length", len(text))
	resp, err := s.api.Chat(ctx, backend.ChatRequest{Message: text, Provider: provider, Model: model})
	metrics.ObserveCommand("chat", err)

	var reply Message
	if err != nil {
		s.logger.Warn("chat failed", "provider", provider, "error", err)
		reply = newMessage(backend.RoleAssistant, "Error: "+backend.Message(err))
		reply.Failed = true
	} else {
		reply = newMessage(backend.RoleAssistant, resp.Response)
	}
	s.append(reply, -1)
	return reply, err
}

// Messages returns a copy of the conversation, oldest first.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Pending reports whether a reply is outstanding.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending > 0
}

// Subscribe registers fn to run after every change. The returned func
// removes it.
func (s *Session) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) append(m Message, pendingDelta int) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.pending += pendingDelta
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}

func (s *Session) selection() (provider, model string) {
	provider, model = DefaultProvider, DefaultModel
	if s.settings == nil {
		return provider, model
	}
	if set, ok := s.settings.Settings(); ok {
		if set.AIProvider != "" {
			provider = set.AIProvider
		}
		switch {
		case provider == "ollama" && set.OllamaModel != "":
			model = set.OllamaModel
		case set.AIModel != "":
			model = set.AIModel
		}
	}
	return provider, model
}

func welcome(provider, model string) string {
	label := strings.ToUpper(model)
	if provider == "ollama" {
		label = "Ollama, " + model
	}
	return fmt.Sprintf("Hello! I am your trading assistant (%s). Ask me about your trades, market data or strategies.", label)
}

func newMessage(role backend.ChatRole, text string) Message {
	return Message{ID: uuid.NewString(), Role: role, Text: text, Time: time.Now()}
}

package chat

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camuig/rohstoff-dashboard/internal/backend"
	"github.com/camuig/rohstoff-dashboard/internal/backend/backendtest"
	"github.com/camuig/rohstoff-dashboard/internal/logger"
)

type staticSettings struct {
	s      backend.Settings
	loaded bool
}

func (s staticSettings) Settings() (backend.Settings, bool) { return s.s, s.loaded }

func TestWelcomeNamesProvider(t *testing.T) {
	s := NewSession(backendtest.New(), staticSettings{}, logger.Discard())
	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, backend.RoleAssistant, msgs[0].Role)
	assert.Contains(t, msgs[0].Text, "GPT-5")

	s = NewSession(backendtest.New(), staticSettings{
		s:      backend.Settings{AIProvider: "ollama", OllamaModel: "llama3"},
		loaded: true,
	}, logger.Discard())
	assert.Contains(t, s.Messages()[0].Text, "Ollama, llama3")
}

func TestSendUsesDefaultsUntilSettingsLoad(t *testing.T) {
	f := backendtest.New()
	f.ChatReply = "Gold is trending up."
	s := NewSession(f, staticSettings{}, logger.Discard())

	reply, err := s.Send(context.Background(), "  how is gold?  ")
	require.NoError(t, err)

	require.Len(t, f.Chats, 1)
	assert.Equal(t, backend.ChatRequest{Message: "how is gold?", Provider: "openai", Model: "gpt-5"}, f.Chats[0])
	assert.Equal(t, "Gold is trending up.", reply.Text)

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, backend.RoleUser, msgs[1].Role)
	assert.Equal(t, "how is gold?", msgs[1].Text)
	assert.Equal(t, backend.RoleAssistant, msgs[2].Role)
	assert.False(t, msgs[2].Failed)
	_, err = uuid.Parse(msgs[2].ID)
	assert.NoError(t, err)
	assert.False(t, s.Pending())
}

func TestSendUsesSettingsSelection(t *testing.T) {
	f := backendtest.New()
	f.ChatReply = "ok"
	s := NewSession(f, staticSettings{
		s:      backend.Settings{AIProvider: "anthropic", AIModel: "claude-x"},
		loaded: true,
	}, logger.Discard())

	_, err := s.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", f.Chats[0].Provider)
	assert.Equal(t, "claude-x", f.Chats[0].Model)
}

func TestEmptyMessageIsRejectedLocally(t *testing.T) {
	f := backendtest.New()
	s := NewSession(f, nil, logger.Discard())

	_, err := s.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, 0, f.TotalCalls())
	assert.Len(t, s.Messages(), 1)
}

func TestFailedReplyIsAppended(t *testing.T) {
	f := backendtest.New()
	f.Fail("Chat", &backend.APIError{Op: "ai chat", StatusCode: 500, Detail: "model unavailable"})
	s := NewSession(f, nil, logger.Discard())

	var changes int
	s.Subscribe(func() { changes++ })

	reply, err := s.Send(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, reply.Failed)
	assert.Contains(t, reply.Text, "model unavailable")

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[2].Failed)
	assert.Equal(t, 2, changes)
}

func TestMessagesIsACopy(t *testing.T) {
	s := NewSession(backendtest.New(), nil, logger.Discard())
	msgs := s.Messages()
	msgs[0].Text = "changed"
	assert.NotEqual(t, "changed", s.Messages()[0].Text)
}

package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camuig/rohstoff-dashboard/internal/logger"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification is a transient, user-visible message.
type Notification struct {
	ID    string    `json:"id"`
	Level Level     `json:"level"`
	Title string    `json:"title"`
	Text  string    `json:"text"`
	Time  time.Time `json:"time"`
}

// Sink receives a copy of every success and error notification.
type Sink interface {
	Send(n Notification)
}

// Feed keeps the most recent notifications in memory and fans them out to
// subscribers and sinks.
type Feed struct {
	mu       sync.RWMutex
	items    []Notification
	capacity int
	subs     map[int]func(Notification)
	nextSub  int
	sinks    []Sink
	logger   *logger.Logger
}

func NewFeed(capacity int, log *logger.Logger, sinks ...Sink) *Feed {
	if capacity <= 0 {
		capacity = 50
	}
	return &Feed{
		capacity: capacity,
		subs:     make(map[int]func(Notification)),
		sinks:    sinks,
		logger:   log.Component("notify"),
	}
}

func (f *Feed) Success(title, format string, args ...any) Notification {
	return f.publish(LevelSuccess, title, fmt.Sprintf(format, args...))
}

func (f *Feed) Info(title, format string, args ...any) Notification {
	return f.publish(LevelInfo, title, fmt.Sprintf(format, args...))
}

func (f *Feed) Error(title string, err error) Notification {
	return f.publish(LevelError, title, err.Error())
}

// Errorf posts an error notification with a preformatted text.
func (f *Feed) Errorf(title, format string, args ...any) Notification {
	return f.publish(LevelError, title, fmt.Sprintf(format, args...))
}

func (f *Feed) publish(level Level, title, text string) Notification {
	n := Notification{
		ID:    uuid.NewString(),
		Level: level,
		Title: title,
		Text:  text,
		Time:  time.Now(),
	}

	f.mu.Lock()
	f.items = append(f.items, n)
	if len(f.items) > f.capacity {
		f.items = append([]Notification(nil), f.items[len(f.items)-f.capacity:]...)
	}
	subs := make([]func(Notification), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	switch level {
	case LevelError:
		f.logger.Warn("notification", "title", title, "text", text)
	default:
		f.logger.Info("notification", "title", title, "text", text)
	}

	for _, fn := range subs {
		fn(n)
	}
	if level != LevelInfo {
		for _, s := range f.sinks {
			go s.Send(n)
		}
	}
	return n
}

// Recent returns up to n notifications, newest first.
func (f *Feed) Recent(n int) []Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if n <= 0 || n > len(f.items) {
		n = len(f.items)
	}
	out := make([]Notification, 0, n)
	for i := len(f.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, f.items[i])
	}
	return out
}

// Dismiss removes a notification by id.
func (f *Feed) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.items {
		if n.ID == id {
			f.items = append(f.items[:i:i], f.items[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Feed) Subscribe(fn func(Notification)) func() {
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

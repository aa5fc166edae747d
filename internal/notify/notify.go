// Package notify delivers user-visible notices from background flows.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a message for the user.
type Notice struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Notifier receives notices.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to Notifier.
type Func func(n Notice)

// Notify calls f.
func (f Func) Notify(n Notice) {
	f(n)
}

// Discard drops every notice.
var Discard = Func(func(Notice) {})

// Feed keeps the most recent notices in memory and logs each one.
type Feed struct {
	mu      sync.RWMutex
	notices []Notice
	limit   int
	logger  *zap.Logger
}

// NewFeed creates a feed holding up to limit notices.
func NewFeed(limit int, logger *zap.Logger) *Feed {
	if limit <= 0 {
		limit = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{limit: limit, logger: logger}
}

// Notify appends n, dropping the oldest notice when full.
func (f *Feed) Notify(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	f.logger.Info("notice",
		zap.String("level", string(n.Level)),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	if len(f.notices) > f.limit {
		f.notices = f.notices[len(f.notices)-f.limit:]
	}
}

// Recent returns the stored notices, oldest first.
func (f *Feed) Recent() []Notice {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Notice, len(f.notices))
	copy(out, f.notices)
	return out
}

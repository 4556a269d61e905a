// Package notify carries human-readable success and error notices from the
// data layer to whatever surface shows them to the user.
package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Kind classifies a notice.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInfo    Kind = "info"
)

// Notice is a single user-facing message.
type Notice struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Notifier receives notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n Notice)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n Notice) {
	f(ctx, n)
}

// Success builds a success notice.
func Success(msg string) Notice { return Notice{Kind: KindSuccess, Message: msg} }

// Error builds an error notice.
func Error(msg string) Notice { return Notice{Kind: KindError, Message: msg} }

// Collector accumulates notices for one request.
type Collector struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify appends n.
func (c *Collector) Notify(_ context.Context, n Notice) {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
}

// Drain returns and clears the collected notices.
func (c *Collector) Drain() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}

type collectorKey struct{}

// WithCollector returns a context carrying a fresh Collector.
func WithCollector(ctx context.Context) (context.Context, *Collector) {
	c := &Collector{}
	return context.WithValue(ctx, collectorKey{}, c), c
}

// CollectorFromContext returns the request collector, or nil.
func CollectorFromContext(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

// Logger writes every notice to a slog.Logger and forwards it to the request
// collector when one is present in the context.
type Logger struct {
	Log *slog.Logger
}

// NewLogger returns a Logger notifier; a nil logger falls back to slog.Default.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{Log: logger}
}

// Notify logs n and hands it to the request collector.
func (l *Logger) Notify(ctx context.Context, n Notice) {
	level := slog.LevelInfo
	if n.Kind == KindError {
		level = slog.LevelWarn
	}
	l.Log.Log(ctx, level, "notice", slog.String("kind", string(n.Kind)), slog.String("message", n.Message))
	if c := CollectorFromContext(ctx); c != nil {
		c.Notify(ctx, n)
	}
}

// Discard drops every notice.
var Discard Notifier = Func(func(context.Context, Notice) {})

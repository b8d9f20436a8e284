// Package alert delivers critical events that need a human to look at them,
// such as a discovered file whose content already belongs to another account.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single notable event.
type Alert struct {
	Severity Severity
	Title    string
	Fields   map[string]string
	At       time.Time
}

// Sink receives alerts.
type Sink interface {
	Emit(ctx context.Context, a Alert)
}

// LogSink writes alerts to a logger at error level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, a Alert) {
	attrs := make([]any, 0, len(a.Fields)*2+4)
	attrs = append(attrs, "alert", string(a.Severity), "at", a.At)
	for k, v := range a.Fields {
		attrs = append(attrs, k, v)
	}
	level := slog.LevelWarn
	if a.Severity == SeverityCritical {
		level = slog.LevelError
	}
	s.Logger.Log(ctx, level, a.Title, attrs...)
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *Recorder) Emit(_ context.Context, a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

// Alerts returns a copy of everything emitted so far.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// Multi fans an alert out to several sinks.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, a Alert) {
	for _, s := range m {
		s.Emit(ctx, a)
	}
}

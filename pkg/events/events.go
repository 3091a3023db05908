// Package events carries the diagnostic events emitted while flashing. Events
// are for observers (logs, a flashing station's MQTT dashboard); nothing in the
// flash path reads them back.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Type names a diagnostic event.
type Type string

const (
	SessionStart Type = "session_start"
	SessionEnd   Type = "session_end"
	DeviceFound  Type = "device_found"
	DeviceSkip   Type = "device_skipped"
	MountAttempt Type = "mount_attempt"
	Retry        Type = "retry"
	CopyAttempt  Type = "copy_attempt"
	Unmount      Type = "unmount"
	FlashSuccess Type = "flash_success"
	FlashFailure Type = "flash_failure"
)

// Event is one diagnostic record.
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Device    string    `json:"device,omitempty"`
	Identity  string    `json:"identity,omitempty"`
	State     string    `json:"state,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives events. Emit must not block for long and must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// LogSink writes events through slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	switch ev.Type {
	case FlashFailure:
		level = slog.LevelError
	case Retry:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{}
	add := func(key, val string) {
		if val != "" {
			attrs = append(attrs, slog.String(key, val))
		}
	}
	add("session_id", ev.SessionID)
	add("run_id", ev.RunID)
	add("device", ev.Device)
	add("identity", ev.Identity)
	add("state", ev.State)
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	add("message", ev.Message)
	add("error", ev.Error)

	s.logger.LogAttrs(ctx, level, string(ev.Type), attrs...)
}

// Multi fans an event out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// Stamp fills Time when unset.
func Stamp(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return ev
}

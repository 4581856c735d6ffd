package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rendis/pipeflow/pkg/schema"
)

// Listener consumes events delivered by Attach.
type Listener interface {
	Handle(ctx context.Context, event StreamEvent) error
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(ctx context.Context, event StreamEvent) error

func (f ListenerFunc) Handle(ctx context.Context, event StreamEvent) error { return f(ctx, event) }

// Attach subscribes l to hub and feeds it from a goroutine. The returned stop
// function unsubscribes, drains the buffered events into l and waits for the
// goroutine to exit. Listener errors are logged and do not stop delivery.
func Attach(ctx context.Context, hub EventHub, filter EventFilter, l Listener, logger *slog.Logger) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := l.Handle(context.WithoutCancel(ctx), ev); err != nil {
				logger.Warn("event listener failed",
					slog.String("event_type", ev.EventType),
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// --- LogListener ---

// LogListener writes every event to a slog.Logger. Failures log at WARN,
// step chatter at DEBUG, run lifecycle at INFO.
type LogListener struct {
	Logger *slog.Logger
}

func (l *LogListener) Handle(ctx context.Context, ev StreamEvent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("pipeline", ev.Pipeline),
		slog.String("run_id", ev.RunID),
	}
	if ev.Step != "" {
		attrs = append(attrs, slog.String("step", ev.Step))
	}
	if ev.Payload != nil {
		attrs = append(attrs, slog.Any("payload", ev.Payload))
	}

	level := slog.LevelDebug
	switch ev.EventType {
	case schema.EventRunFailed, schema.EventStepFailed, schema.EventStepRetrying,
		schema.EventLoopCeilingReached, schema.EventTimeoutFired:
		level = slog.LevelWarn
	case schema.EventRunStarted, schema.EventRunCompleted, schema.EventRunPersisted, schema.EventRunHydrated:
		level = slog.LevelInfo
	}
	logger.Log(ctx, level, ev.EventType, attrs...)
	return nil
}

// --- FileListener ---

// FileListener appends events to a file as JSON lines.
type FileListener struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileListener opens (or creates) path for appending.
func NewFileListener(path string) (*FileListener, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileListener{f: f, enc: json.NewEncoder(f)}, nil
}

func (l *FileListener) Handle(_ context.Context, ev StreamEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// --- MetricsListener ---

// StepStats aggregates outcomes of steps sharing a name.
type StepStats struct {
	Completed int64         `json:"completed"`
	Failed    int64         `json:"failed"`
	Retries   int64         `json:"retries"`
	Total     time.Duration `json:"total_duration"`
	Max       time.Duration `json:"max_duration"`
}

// Metrics is a point-in-time copy of MetricsListener counters.
type Metrics struct {
	Events map[string]int64     `json:"events"`
	Steps  map[string]StepStats `json:"steps"`
}

// MetricsListener counts events and aggregates step durations.
// Durations are read from the "duration_ms" payload field.
type MetricsListener struct {
	mu     sync.Mutex
	events map[string]int64
	steps  map[string]*StepStats
}

// NewMetricsListener creates an empty MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{
		events: make(map[string]int64),
		steps:  make(map[string]*StepStats),
	}
}

func (m *MetricsListener) Handle(_ context.Context, ev StreamEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[ev.EventType]++
	if ev.Step == "" {
		return nil
	}

	st := m.steps[ev.Step]
	if st == nil {
		st = &StepStats{}
		m.steps[ev.Step] = st
	}
	switch ev.EventType {
	case schema.EventStepCompleted:
		st.Completed++
		if d := payloadDuration(ev.Payload); d > 0 {
			st.Total += d
			st.Max = max(st.Max, d)
		}
	case schema.EventStepFailed:
		st.Failed++
	case schema.EventStepRetrying:
		st.Retries++
	}
	return nil
}

// Snapshot returns a copy of the counters.
func (m *MetricsListener) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		Events: make(map[string]int64, len(m.events)),
		Steps:  make(map[string]StepStats, len(m.steps)),
	}
	for k, v := range m.events {
		out.Events[k] = v
	}
	for k, v := range m.steps {
		out.Steps[k] = *v
	}
	return out
}

func payloadDuration(p any) time.Duration {
	m, ok := p.(map[string]any)
	if !ok {
		return 0
	}
	switch v := m["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return 0
}

package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingRunner records run ids and optionally blocks until released.
type recordingRunner struct {
	mu      sync.Mutex
	runIDs  []string
	release chan struct{}
	started chan struct{}
	err     error
}

func newRecordingRunner(blocking bool) *recordingRunner {
	r := &recordingRunner{started: make(chan struct{}, 16)}
	if blocking {
		r.release = make(chan struct{})
	}
	return r
}

func (r *recordingRunner) RunJob(ctx context.Context, runID string) error {
	r.mu.Lock()
	r.runIDs = append(r.runIDs, runID)
	r.mu.Unlock()
	r.started <- struct{}{}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func (r *recordingRunner) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runIDs...)
}

// --- Parsing ---

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 9 * * MON-FRI", false},
		{"@hourly", false},
		{"* * * * * *", true},
		{"not a cron", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNext(t *testing.T) {
	s, err := New("30 2 * * *", newRecordingRunner(false), quietLogger())
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 2, 2, 30, 0, 0, time.UTC), s.Next(from))
}

func TestNew_InvalidExpression(t *testing.T) {
	_, err := New("61 * * * *", newRecordingRunner(false), nil)
	assert.Error(t, err)
}

// --- Activations ---

func TestTrigger_FreshRunIDs(t *testing.T) {
	r := newRecordingRunner(false)
	s, err := New("* * * * *", r, quietLogger())
	require.NoError(t, err)

	require.True(t, s.Trigger(context.Background()))
	s.Wait()
	require.True(t, s.Trigger(context.Background()))
	s.Wait()

	ids := r.ids()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	stats := s.Stats()
	assert.Equal(t, 2, stats.Activations)
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, ids[1], stats.LastRunID)
	assert.Zero(t, stats.Skipped)
}

func TestTrigger_SkipsWhileInFlight(t *testing.T) {
	r := newRecordingRunner(true)
	s, err := New("* * * * *", r, quietLogger())
	require.NoError(t, err)

	require.True(t, s.Trigger(context.Background()))
	<-r.started

	assert.False(t, s.Trigger(context.Background()))
	assert.False(t, s.Trigger(context.Background()))

	close(r.release)
	s.Wait()

	assert.True(t, s.Trigger(context.Background()))
	s.Wait()

	stats := s.Stats()
	assert.Equal(t, 4, stats.Activations)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 2, stats.Runs)
	assert.Len(t, r.ids(), 2)
}

func TestTrigger_RecordsFailure(t *testing.T) {
	r := newRecordingRunner(false)
	r.err = errors.New("boom")
	s, err := New("* * * * *", r, quietLogger())
	require.NoError(t, err)

	s.Trigger(context.Background())
	s.Wait()

	stats := s.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, "boom", stats.LastError)
}

// --- Lifecycle ---

func TestStartStop(t *testing.T) {
	r := newRecordingRunner(false)
	s, err := New("@every 1s", r, quietLogger())
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must fail")

	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.GreaterOrEqual(t, s.Stats().Runs, 1)
}

func TestStop_CancelsInFlightRun(t *testing.T) {
	r := newRecordingRunner(true)
	s, err := New("@every 1s", r, quietLogger())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-r.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	require.NoError(t, s.Stop())
	stats := s.Stats()
	assert.Equal(t, 1, stats.Failed)
	assert.Contains(t, stats.LastError, "context canceled")
}

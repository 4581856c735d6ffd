package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipeflow/internal/streaming"
	"github.com/rendis/pipeflow/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	*Engine
	out *syncBuffer
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	out := &syncBuffer{}
	if opts.Output == nil {
		opts.Output = out
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return &testEngine{Engine: New(opts), out: out}
}

func run(t *testing.T, e *testEngine, step schema.Step, vars map[string]string) (schema.Update, *schema.State, error) {
	t.Helper()
	state := schema.NewState(vars)
	update, err := e.ExecuteStep(context.Background(), step, state)
	return update, state, err
}

func sh(name, command, save string) *schema.ShellCommandStep {
	return &schema.ShellCommandStep{Name: name, Command: command, SaveOutput: save}
}

func printStep(name, value string) *schema.PrintOutputStep {
	return &schema.PrintOutputStep{Name: name, Value: value}
}

// bogusStep satisfies schema.Step but is not one of the known variants.
type bogusStep struct{ schema.CommandStep }

// --- Dispatch ---

func TestExecuteStep_UnknownStep(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &bogusStep{schema.CommandStep{Name: "mystery"}}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownStep))
}

func TestExecuteStep_NilStep(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownStep))
}

func TestExecuteStep_CancelledContext(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.ExecuteStep(ctx, printStep("p", "x"), schema.NewState(nil))
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Empty(t, e.out.String())
}

func TestExecuteStep_DepthLimit(t *testing.T) {
	e := newTestEngine(t, Options{MaxDepth: 2})
	nested := &schema.ForEachStep{Name: "outer", Items: "a", Steps: schema.Steps{
		&schema.ForEachStep{Name: "middle", Items: "b", Steps: schema.Steps{
			printStep("inner", "too deep"),
		}},
	}}
	_, _, err := run(t, e, nested, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
	assert.Contains(t, err.Error(), "nesting depth")
}

func TestExecuteStep_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)

	e := newTestEngine(t, Options{Hub: hub})
	_, _, err = run(t, e, sh("greet", "echo hi", "out"), nil)
	require.NoError(t, err)
	_, _, err = run(t, e, sh("broken", "exit 4", ""), nil)
	require.Error(t, err)
	cancel()

	var types []string
	for ev := range ch {
		types = append(types, ev.EventType+":"+ev.Step)
	}
	assert.Equal(t, []string{
		"step_started:greet", "step_completed:greet",
		"step_started:broken", "step_failed:broken",
	}, types)
}

// --- Commands ---

func TestCommandStep_ShellForm(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.CommandStep{
		Name: "c", Command: "echo '  ${WHO}  '", SaveOutput: "out",
	}, map[string]string{"WHO": "world"})
	require.NoError(t, err)
	assert.Equal(t, schema.Update{"out": "world"}, update)
}

func TestCommandStep_DirectArgs(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.CommandStep{
		Name: "c", Command: "printf", Args: []string{"%s|%s", "${A}", "a b;c"}, SaveOutput: "out",
	}, map[string]string{"A": "$(whoami)"})
	require.NoError(t, err)
	assert.Equal(t, "$(whoami)|a b;c", update["out"])
}

func TestCommandStep_NoSaveOutput(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.CommandStep{Name: "c", Command: "echo ignored"}, nil)
	require.NoError(t, err)
	assert.Empty(t, update)
}

func TestCommandStep_NonzeroExit(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.CommandStep{Name: "c", Command: "echo oops >&2; exit 3"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProcess))
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "oops")

	var pErr *schema.PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "c", pErr.Step)
}

func TestShellCommandStep_UsesConfiguredShell(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, sh("s", "[[ 2 -gt 1 ]] && echo bash", "out"), nil)
	require.NoError(t, err)
	assert.Equal(t, "bash", update["out"])
}

func TestCommandStep_RetryUntilSuccess(t *testing.T) {
	e := newTestEngine(t, Options{})
	file := filepath.Join(t.TempDir(), "attempts")
	step := &schema.ShellCommandStep{
		Name:       "flaky",
		Command:    `echo x >> "${FILE}"; [ "$(wc -l < "${FILE}")" -ge 3 ] && echo done`,
		SaveOutput: "out",
		Retry:      &schema.RetryPolicy{MaxAttempts: 5, DelayMs: 1},
	}
	update, _, err := run(t, e, step, map[string]string{"FILE": file})
	require.NoError(t, err)
	assert.Equal(t, "done", update["out"])

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "x"))
}

func TestCommandStep_RetryExhausted(t *testing.T) {
	e := newTestEngine(t, Options{})
	step := &schema.ShellCommandStep{
		Name:    "always-fails",
		Command: "exit 1",
		Retry:   &schema.RetryPolicy{MaxAttempts: 3, DelayMs: 1, Backoff: "exponential"},
	}
	_, _, err := run(t, e, step, nil)
	require.Error(t, err)

	var pErr *schema.PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, schema.ErrCodeProcess, pErr.Code)
	assert.Equal(t, 3, pErr.Details["attempts"])
}

// --- Condition and output ---

func TestConditionStep(t *testing.T) {
	e := newTestEngine(t, Options{})
	step := &schema.ConditionStep{
		Name: "check", Condition: `[ "${X}" = yes ]`, IfTrue: "echo T", IfFalse: "echo F",
	}

	update, _, err := run(t, e, step, map[string]string{"X": "yes"})
	require.NoError(t, err)
	assert.Equal(t, schema.Update{"check": "T"}, update)

	update, _, err = run(t, e, step, map[string]string{"X": "no"})
	require.NoError(t, err)
	assert.Equal(t, schema.Update{"check": "F"}, update)
}

func TestConditionStep_BranchIgnoresConfiguredShell(t *testing.T) {
	e := newTestEngine(t, Options{Shell: "no-such-shell"})
	update, _, err := run(t, e, &schema.ConditionStep{
		Name: "check", Condition: "true", IfTrue: "echo yes", IfFalse: "echo no",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "yes", update["check"])
}

func TestConditionStep_EmptyBranch(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ConditionStep{Name: "c", Condition: "false", IfTrue: "echo T"}, nil)
	require.NoError(t, err)
	assert.Empty(t, update)
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine(t, Options{})
	ctx := context.Background()
	state := schema.NewState(map[string]string{"N": "3"})

	ok, err := e.Evaluate(ctx, "[ ${N} -gt 2 ]", state)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate(ctx, "[ ${N} -gt 5 ]", state)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Evaluate(ctx, "no_such_command_xyz", state)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrintOutput(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, printStep("p", "rev=${REV}"), map[string]string{"REV": "abc"})
	require.NoError(t, err)
	assert.Empty(t, update)
	assert.Equal(t, "rev=abc\n", e.out.String())

	_, err = e.ExecuteStep(WithQuiet(context.Background()), printStep("p", "hidden"), schema.NewState(nil))
	require.NoError(t, err)
	assert.Equal(t, "rev=abc\n", e.out.String())
}

// --- Loops ---

func TestRepeatUntil_StopsWhenConditionHolds(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.RepeatUntilStep{
		Name: "r", Steps: schema.Steps{printStep("p", "tick")}, Condition: "true",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", update["iterations"])
	assert.Equal(t, "tick\n", e.out.String())
}

func TestRepeatUntil_IteratesOnState(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, state, err := run(t, e, &schema.RepeatUntilStep{
		Name:      "grow",
		Steps:     schema.Steps{sh("add", `echo "${S}x"`, "S")},
		Condition: `[ "${S}" = xxx ]`,
	}, map[string]string{"S": ""})
	require.NoError(t, err)
	assert.Equal(t, "3", update["iterations"])
	v, _ := state.Get("S")
	assert.Equal(t, "xxx", v)
}

func TestForEach(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, state, err := run(t, e, &schema.ForEachStep{
		Name: "loop", Items: "a,b,c", Steps: schema.Steps{printStep("p", "item ${ITEM}")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.Update{"loop": "a, b, c"}, update)
	assert.Equal(t, "item a\nitem b\nitem c\n", e.out.String())

	state.Merge(update)
	_, ok := state.Get("ITEM")
	assert.False(t, ok)
}

func TestForEach_TrimsAndExpandsItems(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ForEachStep{
		Name: "loop", Items: "${LIST}", ItemVariable: "F", Steps: schema.Steps{printStep("p", "${F}")},
	}, map[string]string{"LIST": " x , y ,z "})
	require.NoError(t, err)
	assert.Equal(t, "x, y, z", update["loop"])
	assert.Equal(t, "x\ny\nz\n", e.out.String())
}

func TestForEach_BlankItems(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ForEachStep{
		Name: "loop", Items: "  ", Steps: schema.Steps{printStep("p", "never")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "", update["loop"])
	assert.Empty(t, e.out.String())
}

func TestForEach_NestedRestoresOuterItem(t *testing.T) {
	e := newTestEngine(t, Options{})
	inner := &schema.ForEachStep{Name: "inner", Items: "1,2", Steps: schema.Steps{printStep("p", "${ITEM}")}}
	outer := &schema.ForEachStep{Name: "outer", Items: "a,b", Steps: schema.Steps{inner, printStep("q", "outer=${ITEM}")}}
	_, _, err := run(t, e, outer, nil)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\nouter=a\n1\n2\nouter=b\n", e.out.String())
}

func TestForEach_BodyFailureStops(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, state, err := run(t, e, &schema.ForEachStep{
		Name: "loop", Items: "a,b", Steps: schema.Steps{sh("fail", `[ "${ITEM}" != a ]`, "")},
	}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProcess))
	_, ok := state.Get("ITEM")
	assert.False(t, ok, "ITEM must be removed after a failing body")
}

func TestLoopVariables_ScopedOnFailure(t *testing.T) {
	failing := func() schema.Steps { return schema.Steps{sh("fail", "exit 1", "")} }
	tests := []struct {
		name     string
		step     schema.Step
		variable string
	}{
		{"foreach default", &schema.ForEachStep{Name: "loop", Items: "a,b", Steps: failing()}, "ITEM"},
		{"foreach custom", &schema.ForEachStep{Name: "loop", Items: "a,b", ItemVariable: "host", Steps: failing()}, "host"},
		{"counted default", &schema.CountedStep{Name: "count", Start: "1", End: "3", Steps: failing()}, "i"},
		{"counted custom", &schema.CountedStep{Name: "count", Start: "1", End: "3", CounterVariable: "n", Steps: failing()}, "n"},
	}
	for _, tt := range tests {
		t.Run(tt.name+" removed", func(t *testing.T) {
			e := newTestEngine(t, Options{})
			_, state, err := run(t, e, tt.step, nil)
			require.True(t, schema.HasCode(err, schema.ErrCodeProcess))
			_, ok := state.Get(tt.variable)
			assert.False(t, ok)
		})
		t.Run(tt.name+" restored", func(t *testing.T) {
			e := newTestEngine(t, Options{})
			_, state, err := run(t, e, tt.step, map[string]string{tt.variable: "outer"})
			require.True(t, schema.HasCode(err, schema.ErrCodeProcess))
			v, ok := state.Get(tt.variable)
			assert.True(t, ok)
			assert.Equal(t, "outer", v)
		})
	}
}

func TestWhile(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, state, err := run(t, e, &schema.WhileStep{
		Name:      "w",
		Condition: `[ "${N}" != xxx ]`,
		Steps:     schema.Steps{sh("add", `echo "${N}x"`, "N")},
	}, map[string]string{"N": ""})
	require.NoError(t, err)
	assert.Equal(t, "3", update["iterations"])
	v, _ := state.Get("N")
	assert.Equal(t, "xxx", v)
}

func TestWhile_FalseFromStart(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.WhileStep{Name: "w", Condition: "false", Steps: schema.Steps{printStep("p", "x")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "0", update["iterations"])
	assert.Empty(t, e.out.String())
}

func TestWhile_Ceiling(t *testing.T) {
	e := newTestEngine(t, Options{WhileCeiling: 4})
	update, _, err := run(t, e, &schema.WhileStep{Name: "w", Condition: "true", Steps: schema.Steps{printStep("p", ".")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "4", update["iterations"])

	update, _, err = run(t, e, &schema.WhileStep{Name: "w", Condition: "true", MaxIterations: 2, Steps: schema.Steps{printStep("p", ".")}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", update["iterations"])
}

func TestCounted(t *testing.T) {
	tests := []struct {
		name             string
		start, end, step schema.IntExpr
		want             string
		iterations       string
	}{
		{"ascending", "1", "5", "1", "1\n2\n3\n4\n5\n", "5"},
		{"descending", "5", "1", "-1", "5\n4\n3\n2\n1\n", "5"},
		{"stride", "0", "10", "5", "0\n5\n10\n", "3"},
		{"default step", "1", "2", "", "1\n2\n", "2"},
		{"empty range", "5", "1", "1", "", "0"},
		{"expressions", "${S}", "${S} * 2", "${S} - 1", "2\n3\n4\n", "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Options{})
			update, state, err := run(t, e, &schema.CountedStep{
				Name: "count", Start: tt.start, End: tt.end, Step: tt.step,
				Steps: schema.Steps{printStep("p", "${i}")},
			}, map[string]string{"S": "2"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.out.String())
			assert.Equal(t, tt.iterations, update["iterations"])
			assert.Equal(t, "Completed "+tt.iterations+" iterations", update["count"])
			_, ok := state.Get("i")
			assert.False(t, ok, "counter must be removed")
		})
	}
}

func TestCounted_ZeroStep(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.CountedStep{Name: "c", Start: "1", End: "5", Step: "0"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestCounted_BadBound(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.CountedStep{Name: "c", Start: "1", End: "${MISSING} +", Step: "1"}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestCounted_Ceiling(t *testing.T) {
	e := newTestEngine(t, Options{CountedCeiling: 3})
	update, _, err := run(t, e, &schema.CountedStep{
		Name: "c", Start: "1", End: "100", Step: "1", CounterVariable: "n",
		Steps: schema.Steps{printStep("p", "${n}")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", update["iterations"])
	assert.Equal(t, "1\n2\n3\n", e.out.String())
}

// --- TryCatch ---

func TestTryCatch_Success(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, state, err := run(t, e, &schema.TryCatchStep{
		Name:         "tc",
		TrySteps:     schema.Steps{sh("ok", "echo fine", "out")},
		CatchSteps:   schema.Steps{printStep("c", "catch")},
		FinallySteps: schema.Steps{printStep("f", "finally")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "finally\n", e.out.String())
	snap := state.Snapshot()
	assert.Equal(t, "success", snap["try_result"])
	assert.Equal(t, "fine", snap["out"])
	assert.NotContains(t, snap, "error")
}

func TestTryCatch_CatchesFailure(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, state, err := run(t, e, &schema.TryCatchStep{
		Name:         "tc",
		TrySteps:     schema.Steps{sh("boom", "echo bad >&2; exit 2", ""), printStep("never", "unreachable")},
		CatchSteps:   schema.Steps{printStep("c", "caught: ${try_result}")},
		FinallySteps: schema.Steps{printStep("f", "finally")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "caught: failure\nfinally\n", e.out.String())
	snap := state.Snapshot()
	assert.Equal(t, "failure", snap["try_result"])
	assert.Contains(t, snap["error"], "status 2")
}

func TestTryCatch_CatchFailurePropagatesAfterFinally(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.TryCatchStep{
		Name:         "tc",
		TrySteps:     schema.Steps{sh("a", "exit 1", "")},
		CatchSteps:   schema.Steps{sh("b", "exit 7", "")},
		FinallySteps: schema.Steps{printStep("f", "finally")},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 7")
	assert.Equal(t, "finally\n", e.out.String())
}

func TestTryCatch_FinallyFailure(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.TryCatchStep{
		Name:         "tc",
		TrySteps:     schema.Steps{printStep("t", "try")},
		FinallySteps: schema.Steps{sh("f", "exit 5", "")},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 5")
}

// --- Timeout ---

func TestTimeout_HugeDurationDoesNotFireEarly(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.TimeoutStep{
		Name: "generous", Duration: 1 << 40, Step: sh("quick", "sleep 0.2; echo done", "out"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", update["out"])
}

func TestTimeout_Expires(t *testing.T) {
	e := newTestEngine(t, Options{})
	start := time.Now()
	_, state, err := run(t, e, &schema.TimeoutStep{
		Name: "bounded", Duration: 1, Step: sh("slow", "sleep 5; echo late", "late"),
	}, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Equal(t, "[TIMEOUT_ERROR] step bounded: timed out after 1s", err.Error())
	assert.Less(t, elapsed, 4*time.Second)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	_, ok := state.Get("late")
	assert.False(t, ok)
}

func TestTimeout_CompletesInTime(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.TimeoutStep{
		Name: "bounded", Duration: 5, Step: sh("fast", "echo quick", "out"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "quick", update["out"])
}

func TestTimeout_PropagatesWrites(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.TimeoutStep{
		Name: "bounded", Duration: 5,
		Step: &schema.TryCatchStep{Name: "tc", TrySteps: schema.Steps{sh("a", "echo 1", "a")}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", update["a"])
	assert.Equal(t, "success", update["try_result"])
}

func TestTimeout_InnerFailure(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.TimeoutStep{Name: "bounded", Duration: 5, Step: sh("bad", "exit 9", "")}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeProcess))
}

func TestTimeout_Invalid(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.TimeoutStep{Name: "t", Duration: 0, Step: printStep("p", "x")}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	_, _, err = run(t, e, &schema.TimeoutStep{Name: "t", Duration: 1}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))
}

func TestTimeout_CancelsNestedParallel(t *testing.T) {
	e := newTestEngine(t, Options{})
	start := time.Now()
	_, _, err := run(t, e, &schema.TimeoutStep{
		Name: "bounded", Duration: 1,
		Step: &schema.ParallelStep{Name: "p", Steps: schema.Steps{
			sh("a", "sleep 5", ""),
			sh("b", "sleep 5", ""),
		}},
	}, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
	assert.Less(t, time.Since(start), 4*time.Second)
}

// --- Parallel ---

func TestParallel_SnapshotIsolation(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ParallelStep{Name: "p", Steps: schema.Steps{
		sh("writer", "sleep 0.1; echo new", "A"),
		sh("reader", `echo "saw ${A}"`, "B"),
	}}, map[string]string{"A": "orig"})
	require.NoError(t, err)
	assert.Equal(t, "new", update["A"])
	assert.Equal(t, "saw orig", update["B"])
}

func TestParallel_RecordsBranchErrors(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ParallelStep{Name: "p", Steps: schema.Steps{
		sh("ok", "echo fine", "ok"),
		sh("bad", "exit 3", ""),
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", update["ok"])
	assert.Contains(t, update["error_1"], "status 3")
	assert.NotContains(t, update, "error_0")
}

func TestParallel_CompoundBranchContributesWrites(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ParallelStep{Name: "p", Steps: schema.Steps{
		&schema.TryCatchStep{Name: "tc", TrySteps: schema.Steps{sh("x", "echo 1", "x")}},
		&schema.ParallelStep{Name: "nested", Steps: schema.Steps{
			sh("y", "echo 2", "y"),
			sh("z", "echo 3", "z"),
		}},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", update["x"])
	assert.Equal(t, "2", update["y"])
	assert.Equal(t, "3", update["z"])
	assert.Equal(t, "success", update["try_result"])
}

func TestParallel_LimitsConcurrency(t *testing.T) {
	e := newTestEngine(t, Options{ParallelLimit: 1})
	start := time.Now()
	_, _, err := run(t, e, &schema.ParallelStep{Name: "p", Steps: schema.Steps{
		sh("a", "sleep 0.2", ""),
		sh("b", "sleep 0.2", ""),
	}}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestParallel_Empty(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.ParallelStep{Name: "p"}, nil)
	require.NoError(t, err)
	assert.Empty(t, update)
}

// --- Supplemented steps ---

func TestMapStep(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.MapStep{
		Name: "m", Input: "${LIST}", Command: "echo item-${ITEM}", SaveOutput: "out",
	}, map[string]string{"LIST": "1, 2,3"})
	require.NoError(t, err)
	assert.Equal(t, "item-1, item-2, item-3", update["out"])
}

func TestMapStep_SkipsFailures(t *testing.T) {
	e := newTestEngine(t, Options{})
	update, _, err := run(t, e, &schema.MapStep{
		Name: "m", Input: "1,2,3", Command: "[ ${ITEM} != 2 ] && echo ${ITEM}", SaveOutput: "out",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1, 3", update["out"])
}

type stubPrompter struct {
	answer string
	asked  []string
}

func (s *stubPrompter) Prompt(_ context.Context, prompt string) (string, error) {
	s.asked = append(s.asked, prompt)
	return s.answer, nil
}

func TestHumanInTheLoop(t *testing.T) {
	p := &stubPrompter{answer: "  approve \n"}
	e := newTestEngine(t, Options{Prompter: p})
	update, _, err := run(t, e, &schema.HumanInTheLoopStep{
		Name: "h", Prompt: "Deploy ${REV}?", SaveOutput: "answer",
	}, map[string]string{"REV": "abc"})
	require.NoError(t, err)
	assert.Equal(t, schema.Update{"answer": "approve"}, update)
	assert.Equal(t, []string{"Deploy abc?"}, p.asked)
}

func TestLinePrompter(t *testing.T) {
	var out bytes.Buffer
	p := NewLinePrompter(strings.NewReader("yes\nno\n"), &out)

	got, err := p.Prompt(context.Background(), "Continue?")
	require.NoError(t, err)
	assert.Equal(t, "yes\n", got)
	assert.Equal(t, "Continue?\n", out.String())

	got, err = p.Prompt(context.Background(), "Again?")
	require.NoError(t, err)
	assert.Equal(t, "no\n", got)

	got, err = p.Prompt(context.Background(), "EOF?")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestLinePrompter_Cancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewLinePrompter(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, "waiting")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLinePrompter_AbandonedPromptDoesNotLoseNextLine(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewLinePrompter(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Prompt(ctx, "first")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() { _, _ = io.WriteString(w, "answer-to-second\n") }()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	got, err := p.Prompt(ctx2, "second")
	require.NoError(t, err)
	assert.Equal(t, "answer-to-second\n", got)
}

type mapResolver map[string]*schema.Pipeline

func (m mapResolver) Resolve(_ context.Context, ref string, _ *schema.Pipeline) (*schema.Pipeline, error) {
	p, ok := m[ref]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", ref)
	}
	return p, nil
}

func TestSubPipeline(t *testing.T) {
	child := &schema.Pipeline{Name: "child", Steps: schema.Steps{
		sh("greet", `echo "hello ${who}"`, "greeting"),
	}}
	e := newTestEngine(t, Options{Resolver: mapResolver{"child.yaml": child}})

	update, _, err := run(t, e, &schema.SubPipelineStep{
		Name: "sub", Pipeline: "child.yaml", With: map[string]string{"who": "${NAME}"},
	}, map[string]string{"NAME": "world", "secret": "parent-only"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", update["greeting"])
	assert.Equal(t, "world", update["who"])
	assert.NotContains(t, update, "secret")
}

func TestSubPipeline_Errors(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, _, err := run(t, e, &schema.SubPipelineStep{Name: "sub", Pipeline: "x.yaml"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConfiguration))

	e = newTestEngine(t, Options{Resolver: mapResolver{}})
	_, _, err = run(t, e, &schema.SubPipelineStep{Name: "sub", Pipeline: "missing.yaml"}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

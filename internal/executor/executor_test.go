package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// sleepyRunner 在 delay 后完成；delay < 0 时一直阻塞到 ctx 结束。
func sleepyRunner(delay time.Duration) Runner {
	return RunnerFunc(func(ctx context.Context, spec TaskSpec) (Outcome, error) {
		if delay < 0 {
			<-ctx.Done()
			return Outcome{Steps: 1, Tokens: 7}, ctx.Err()
		}
		select {
		case <-time.After(delay):
			return Outcome{Output: "done:" + spec.Goal, Steps: 2, Tokens: 10}, nil
		case <-ctx.Done():
			return Outcome{Steps: 1}, ctx.Err()
		}
	})
}

type adapterFactory func(t *testing.T, runner Runner) Service

func inProcessFactory(t *testing.T, runner Runner) Service {
	a := NewInProcessAdapter(runner)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func deferredFactory(t *testing.T, runner Runner) Service {
	store := state.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	opts := []Option{WithPollInterval(5 * time.Millisecond)}
	dispatcher := NewStoreDispatcher(store, DefaultQueue, 5*time.Millisecond)
	adapter := NewDeferredAdapter(store, dispatcher, opts...)
	worker := NewWorker(store, dispatcher, runner, 4, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = store.Close()
	})
	return adapter
}

func forEachAdapter(t *testing.T, fn func(t *testing.T, newAdapter adapterFactory)) {
	t.Run("InProcess", func(t *testing.T) { fn(t, inProcessFactory) })
	t.Run("Deferred", func(t *testing.T) { fn(t, deferredFactory) })
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusTimeout, StatusRunning, false},
		{StatusRunning, Status("bogus"), false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestWaitForCompletionResolvesWhenTaskCompletes(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, sleepyRunner(50*time.Millisecond))
		ctx := context.Background()
		id, err := adapter.ExecuteSubAgent(ctx, TaskSpec{SessionID: "s1", Goal: "sum"})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		start := time.Now()
		result, err := adapter.WaitForCompletion(ctx, id, 2*time.Second)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		elapsed := time.Since(start)
		if result.Status != StatusCompleted || result.Output != "done:sum" {
			t.Fatalf("unexpected result %+v", result)
		}
		if elapsed > time.Second {
			t.Fatalf("wait returned after %s, expected roughly the task duration", elapsed)
		}
		if result.StepsExecuted != 2 || result.TokensUsed != 10 || result.SessionID != "s1" {
			t.Fatalf("usage not recorded: %+v", result)
		}
		if running, _ := adapter.IsRunning(ctx, id); running {
			t.Fatalf("completed task must not be running")
		}
	})
}

func TestWaitForCompletionTimesOutWithoutStoppingTask(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, sleepyRunner(-1))
		ctx := context.Background()
		id, err := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "forever"})
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		start := time.Now()
		result, err := adapter.WaitForCompletion(ctx, id, 150*time.Millisecond)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		elapsed := time.Since(start)
		if result.Status != StatusTimeout {
			t.Fatalf("status = %s, want timeout", result.Status)
		}
		if elapsed < 150*time.Millisecond || elapsed > time.Second {
			t.Fatalf("timeout resolved after %s", elapsed)
		}
		if running, _ := adapter.IsRunning(ctx, id); !running {
			t.Fatalf("a timed-out wait must not stop the task")
		}

		if err := adapter.CancelSubAgent(ctx, id); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		result, err = adapter.WaitForCompletion(ctx, id, 2*time.Second)
		if err != nil {
			t.Fatalf("wait after cancel: %v", err)
		}
		if result.Status != StatusCancelled {
			t.Fatalf("status after cancel = %s", result.Status)
		}
		if result.StepsExecuted != 1 || result.TokensUsed != 7 {
			t.Fatalf("usage must be recorded for cancelled tasks: %+v", result)
		}
		if err := adapter.CancelSubAgent(ctx, id); err != nil {
			t.Fatalf("cancel of a terminal task must be a no-op: %v", err)
		}
		task, err := adapter.Lookup(ctx, id)
		if err != nil || task.Status != StatusCancelled {
			t.Fatalf("lookup = %+v, %v", task, err)
		}
	})
}

func TestFailedTaskRecordsUsageAndError(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, RunnerFunc(func(context.Context, TaskSpec) (Outcome, error) {
			return Outcome{Steps: 3, Tokens: 42}, errors.New("tool exploded")
		}))
		ctx := context.Background()
		id, err := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "fail"})
		if err != nil {
			t.Fatalf("runtime failures must not surface from execute: %v", err)
		}
		result, err := adapter.WaitForCompletion(ctx, id, 2*time.Second)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if result.Status != StatusFailed || result.Error != "tool exploded" {
			t.Fatalf("unexpected result %+v", result)
		}
		if result.StepsExecuted != 3 || result.TokensUsed != 42 {
			t.Fatalf("usage lost on failure: %+v", result)
		}
	})
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, RunnerFunc(func(context.Context, TaskSpec) (Outcome, error) {
			panic("kaboom")
		}))
		ctx := context.Background()
		id, _ := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "panic"})
		result, err := adapter.WaitForCompletion(ctx, id, 2*time.Second)
		if err != nil || result.Status != StatusFailed {
			t.Fatalf("result = %+v, %v", result, err)
		}
	})
}

func TestMaxDurationEndsTaskAsTimeout(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, sleepyRunner(-1))
		ctx := context.Background()
		id, _ := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "bounded", MaxDuration: 80 * time.Millisecond})
		result, err := adapter.WaitForCompletion(ctx, id, 2*time.Second)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if result.Status != StatusTimeout {
			t.Fatalf("status = %s, want timeout", result.Status)
		}
		if running, _ := adapter.IsRunning(ctx, id); running {
			t.Fatalf("a task past its max duration must be terminal")
		}
	})
}

func TestConcurrentForksAreTrackedIndependently(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, RunnerFunc(func(ctx context.Context, spec TaskSpec) (Outcome, error) {
			if spec.Goal == "slow" {
				<-ctx.Done()
				return Outcome{}, ctx.Err()
			}
			time.Sleep(20 * time.Millisecond)
			return Outcome{Output: spec.Goal}, nil
		}))
		ctx := context.Background()
		slowID, _ := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "slow"})

		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			goal := fmt.Sprintf("child-%d", i)
			id, err := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: goal})
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			wg.Add(1)
			go func(id, goal string) {
				defer wg.Done()
				result, err := adapter.WaitForCompletion(ctx, id, 2*time.Second)
				if err != nil || result.Status != StatusCompleted || result.Output != goal {
					t.Errorf("child %s: %+v, %v", goal, result, err)
				}
			}(id, goal)
		}
		wg.Wait()

		if running, _ := adapter.IsRunning(ctx, slowID); !running {
			t.Fatalf("siblings completing must not affect the slow task")
		}
		_ = adapter.CancelSubAgent(ctx, slowID)
	})
}

func TestUnknownTaskIsNotFound(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, newAdapter adapterFactory) {
		adapter := newAdapter(t, sleepyRunner(0))
		ctx := context.Background()
		if _, err := adapter.WaitForCompletion(ctx, "missing", time.Second); !xerrors.HasCode(err, xerrors.CodeNotFound) {
			t.Fatalf("wait: expected not found, got %v", err)
		}
		if err := adapter.CancelSubAgent(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
			t.Fatalf("cancel: expected not found, got %v", err)
		}
		if running, err := adapter.IsRunning(ctx, "missing"); running || err != nil {
			t.Fatalf("isRunning = %v, %v", running, err)
		}
		if _, err := adapter.ExecuteSubAgent(ctx, TaskSpec{}); !xerrors.HasCode(err, xerrors.CodeValidation) {
			t.Fatalf("expected validation error for empty goal, got %v", err)
		}
	})
}

func TestDeferredCancelPendingTaskWithoutWorker(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	adapter := NewDeferredAdapter(store, nil, WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	id, err := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "queued"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n, _ := store.Length(ctx, DefaultQueue); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
	if running, _ := adapter.IsRunning(ctx, id); !running {
		t.Fatalf("pending task counts as not finished")
	}
	if err := adapter.CancelSubAgent(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	result, err := adapter.WaitForCompletion(ctx, id, time.Second)
	if err != nil || result.Status != StatusCancelled {
		t.Fatalf("result = %+v, %v", result, err)
	}

	// A worker started later must skip the cancelled task.
	ran := false
	worker := NewWorker(store, nil, RunnerFunc(func(context.Context, TaskSpec) (Outcome, error) {
		ran = true
		return Outcome{}, nil
	}), 1)
	if err := worker.handle(ctx, id); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if ran {
		t.Fatalf("cancelled task must not run")
	}
}

type failingDispatcher struct{}

func (failingDispatcher) Publish(context.Context, string) error {
	return errors.New("broker unreachable")
}
func (failingDispatcher) Consume(ctx context.Context, _ int, _ Handler) error { return nil }
func (failingDispatcher) Close() error                                        { return nil }

func TestDeferredExecuteSurfacesSetupFailure(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	adapter := NewDeferredAdapter(store, failingDispatcher{})

	_, err := adapter.ExecuteSubAgent(context.Background(), TaskSpec{Goal: "x"})
	if !xerrors.HasCode(err, xerrors.CodeAdapterSetup) {
		t.Fatalf("expected adapter setup failure, got %v", err)
	}
	keys, _ := store.Keys(context.Background(), "subagent:task:*")
	if len(keys) != 1 {
		t.Fatalf("task record should remain for accounting, keys=%v", keys)
	}
	raw, _, _ := store.Get(context.Background(), keys[0])
	if !strings.Contains(string(raw), `"status":"failed"`) {
		t.Fatalf("undeliverable task must be marked failed: %s", raw)
	}
}

func TestFileArchiveRecordsAndReloads(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("new archive: %v", err)
	}
	ctx := context.Background()
	task := Task{ID: "t-1", Status: StatusCompleted, TokensUsed: 9, Spec: TaskSpec{Goal: "g"}}
	if err := archive.Record(ctx, task); err != nil {
		t.Fatalf("record: %v", err)
	}

	reopened, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	found, ok, err := reopened.Find(ctx, "t-1")
	if err != nil || !ok || found.TokensUsed != 9 {
		t.Fatalf("find = %+v, %v, %v", found, ok, err)
	}
	if _, ok, _ := reopened.Find(ctx, "nope"); ok {
		t.Fatalf("unexpected hit")
	}
}

func TestInProcessLookupFallsBackToArchive(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	adapter := NewInProcessAdapter(sleepyRunner(0), WithArchive(archive), WithRetention(10*time.Millisecond))
	defer adapter.Close()
	ctx := context.Background()

	id, _ := adapter.ExecuteSubAgent(ctx, TaskSpec{Goal: "archived"})
	if _, err := adapter.WaitForCompletion(ctx, id, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := adapter.lookup(id); ok {
		t.Fatalf("expected task to be evicted after retention")
	}
	task, err := adapter.Lookup(ctx, id)
	if err != nil || task.Status != StatusCompleted {
		t.Fatalf("lookup = %+v, %v", task, err)
	}
}

func TestNewSelectsVariantFromConfig(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	runner := sleepyRunner(0)

	bundle, err := New(Config{}, store, runner)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := bundle.Service.(*InProcessAdapter); !ok {
		t.Fatalf("default mode must be in-process, got %T", bundle.Service)
	}
	_ = bundle.Close()

	bundle, err = New(Config{Mode: ModeDeferred, EmbeddedWorker: true, Workers: 2}, store, runner)
	if err != nil {
		t.Fatalf("deferred: %v", err)
	}
	if _, ok := bundle.Service.(*DeferredAdapter); !ok || bundle.Worker == nil {
		t.Fatalf("expected deferred adapter with worker, got %T", bundle.Service)
	}

	if _, err := New(Config{Mode: "cluster"}, store, runner); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for unknown mode, got %v", err)
	}
	if _, err := New(Config{Mode: ModeDeferred, Dispatcher: "kafka"}, store, runner); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for unknown dispatcher, got %v", err)
	}
}

func TestStandaloneWorkerServesDeferredAdapter(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()
	cfg := Config{Mode: ModeDeferred, Workers: 2, PollInterval: 5 * time.Millisecond}

	bundle, err := New(cfg, store, nil)
	if err != nil {
		t.Fatalf("server side: %v", err)
	}
	defer bundle.Close()
	if bundle.Worker != nil {
		t.Fatalf("server without embedded worker must not start one")
	}

	worker, dispatcher, err := NewStandaloneWorker(cfg, store, sleepyRunner(0))
	if err != nil {
		t.Fatalf("worker side: %v", err)
	}
	defer dispatcher.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Start(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	id, err := bundle.Service.ExecuteSubAgent(context.Background(), TaskSpec{Goal: "remote"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	res, err := bundle.Service.WaitForCompletion(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Status != StatusCompleted || res.Output != "done:remote" {
		t.Fatalf("unexpected result %+v", res)
	}

	if _, _, err := NewStandaloneWorker(Config{Mode: ModeInProcess}, store, sleepyRunner(0)); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for in-process mode, got %v", err)
	}
	if _, _, err := NewStandaloneWorker(cfg, store, nil); !xerrors.HasCode(err, xerrors.CodeInitializationError) {
		t.Fatalf("expected initialization error without runner, got %v", err)
	}
}

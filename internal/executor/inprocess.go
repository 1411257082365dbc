package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type localTask struct {
	mu        sync.Mutex
	task      Task
	cancel    context.CancelFunc
	cancelled bool
	done      chan struct{}
}

func (l *localTask) snapshot() Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task
}

// InProcessAdapter 在宿主进程内以 goroutine 并发运行子智能体。
type InProcessAdapter struct {
	runner Runner
	opts   options

	mu    sync.RWMutex
	tasks map[string]*localTask
	wg    sync.WaitGroup
}

// NewInProcessAdapter 创建进程内适配器。
func NewInProcessAdapter(runner Runner, opts ...Option) *InProcessAdapter {
	return &InProcessAdapter{
		runner: runner,
		opts:   buildOptions("executor.inprocess", opts),
		tasks:  make(map[string]*localTask),
	}
}

// ExecuteSubAgent 实现 Adapter。任务的生命周期与调用方的 ctx 无关。
func (a *InProcessAdapter) ExecuteSubAgent(_ context.Context, spec TaskSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	local := &localTask{
		task: Task{
			ID:        uuid.NewString(),
			Spec:      spec,
			Status:    StatusPending,
			CreatedAt: now,
		},
		done: make(chan struct{}),
	}
	var runCtx context.Context
	if spec.MaxDuration > 0 {
		runCtx, local.cancel = context.WithTimeout(context.Background(), spec.MaxDuration)
	} else {
		runCtx, local.cancel = context.WithCancel(context.Background())
	}
	_ = local.task.markRunning(now)

	a.mu.Lock()
	a.tasks[local.task.ID] = local
	a.mu.Unlock()

	a.opts.logger.Debug("子任务已启动",
		slog.String("task_id", local.task.ID),
		slog.String("session_id", spec.SessionID))

	a.wg.Add(1)
	go a.run(runCtx, local)
	return local.task.ID, nil
}

func (a *InProcessAdapter) run(ctx context.Context, local *localTask) {
	defer a.wg.Done()
	defer local.cancel()

	outcome, runErr := runSafely(ctx, a.runner, local.task.Spec)

	local.mu.Lock()
	status := classify(ctx, local.cancelled, runErr)
	if err := local.task.finish(status, outcome, runErr, time.Now()); err != nil {
		a.opts.logger.Error("子任务状态迁移失败", slog.String("task_id", local.task.ID), slog.Any("error", err))
	}
	final := local.task
	local.mu.Unlock()
	close(local.done)

	a.opts.reporter().finished(context.Background(), final)
	time.AfterFunc(a.opts.retention, func() {
		a.mu.Lock()
		delete(a.tasks, final.ID)
		a.mu.Unlock()
	})
}

func (a *InProcessAdapter) lookup(taskID string) (*localTask, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	local, ok := a.tasks[taskID]
	return local, ok
}

// WaitForCompletion 实现 Adapter。只挂起调用方自身。
func (a *InProcessAdapter) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (Result, error) {
	local, ok := a.lookup(taskID)
	if !ok {
		return Result{}, notFound(taskID)
	}
	started := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-local.done:
		return local.snapshot().Result(), nil
	case <-timer.C:
		return local.snapshot().timedOut(time.Since(started)), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// CancelSubAgent 实现 Adapter。
func (a *InProcessAdapter) CancelSubAgent(_ context.Context, taskID string) error {
	local, ok := a.lookup(taskID)
	if !ok {
		return notFound(taskID)
	}
	local.mu.Lock()
	defer local.mu.Unlock()
	if local.task.Status.IsTerminal() || local.cancelled {
		return nil
	}
	local.cancelled = true
	local.cancel()
	a.opts.logger.Info("已请求取消子任务", slog.String("task_id", taskID))
	return nil
}

// IsRunning 实现 Adapter。
func (a *InProcessAdapter) IsRunning(_ context.Context, taskID string) (bool, error) {
	local, ok := a.lookup(taskID)
	if !ok {
		return false, nil
	}
	return !local.snapshot().Status.IsTerminal(), nil
}

// Lookup 实现 Inspector。过了保留期的任务会回退到归档中查找。
func (a *InProcessAdapter) Lookup(ctx context.Context, taskID string) (Task, error) {
	if local, ok := a.lookup(taskID); ok {
		return local.snapshot(), nil
	}
	if a.opts.archive != nil {
		task, found, err := a.opts.archive.Find(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if found {
			return task, nil
		}
	}
	return Task{}, notFound(taskID)
}

// Close 取消所有未结束的任务并等待其退出。
func (a *InProcessAdapter) Close() error {
	a.mu.RLock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	for _, id := range ids {
		if err := a.CancelSubAgent(context.Background(), id); err != nil {
			a.opts.logger.Warn("关闭时取消子任务失败", slog.String("task_id", id), slog.Any("error", err))
		}
	}
	a.wg.Wait()
	return nil
}

var _ Service = (*InProcessAdapter)(nil)

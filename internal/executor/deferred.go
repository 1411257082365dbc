package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// taskTable 是延迟变体保存在共享存储中的任务表。所有状态迁移都在任务锁内完成。
type taskTable struct {
	store     state.Store
	retention time.Duration
}

func taskKey(id string) string   { return "subagent:task:" + id }
func lockKey(id string) string   { return "subagent:lock:" + id }
func cancelKey(id string) string { return "subagent:cancel:" + id }

func (t taskTable) load(ctx context.Context, id string) (Task, bool, error) {
	raw, ok, err := t.store.Get(ctx, taskKey(id))
	if err != nil || !ok {
		return Task{}, false, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析子任务 %s 失败", id))
	}
	return task, true, nil
}

func (t taskTable) save(ctx context.Context, task Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化子任务失败")
	}
	if _, err := t.store.Set(ctx, taskKey(task.ID), raw, state.WithTTL(t.retention)); err != nil {
		return err
	}
	return nil
}

// update 在任务锁内读取、修改并写回任务。fn 返回 false 表示无需写回。
func (t taskTable) update(ctx context.Context, id string, fn func(*Task) (bool, error)) (Task, error) {
	var result Task
	err := state.WithLock(ctx, t.store, lockKey(id), defaultLockTTL, func(ctx context.Context) error {
		task, ok, err := t.load(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(id)
		}
		changed, err := fn(&task)
		if err != nil {
			return err
		}
		result = task
		if !changed {
			return nil
		}
		return t.save(ctx, task)
	}, state.WithRetries(50), state.WithBackoff(20*time.Millisecond))
	return result, err
}

// DeferredAdapter 将子任务写入共享存储并投递给外部 Worker 异步执行。
// 适配器本身不运行任何子智能体，等待通过轮询任务表实现。
type DeferredAdapter struct {
	table      taskTable
	dispatcher Dispatcher
	opts       options
}

// NewDeferredAdapter 创建延迟变体。dispatcher 为空时使用共享存储队列。
func NewDeferredAdapter(store state.Store, dispatcher Dispatcher, opts ...Option) *DeferredAdapter {
	o := buildOptions("executor.deferred", opts)
	if dispatcher == nil {
		dispatcher = NewStoreDispatcher(store, DefaultQueue, o.pollInterval)
	}
	return &DeferredAdapter{
		table:      taskTable{store: store, retention: o.retention},
		dispatcher: dispatcher,
		opts:       o,
	}
}

// ExecuteSubAgent 实现 Adapter。任务写入任务表并投递成功后即返回。
func (a *DeferredAdapter) ExecuteSubAgent(ctx context.Context, spec TaskSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	task := Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if err := a.table.save(ctx, task); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeAdapterSetup, err, "写入子任务失败")
		a.opts.reporter().alert(ctx, task, "persist", wrapped)
		return "", wrapped
	}
	if err := a.dispatcher.Publish(ctx, task.ID); err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeAdapterSetup, err, "投递子任务失败")
		if _, markErr := a.table.update(ctx, task.ID, func(t *Task) (bool, error) {
			return true, t.finish(StatusFailed, Outcome{}, wrapped, time.Now())
		}); markErr != nil {
			a.opts.logger.Error("回写投递失败状态出错", slog.String("task_id", task.ID), slog.Any("error", markErr))
		}
		a.opts.reporter().alert(ctx, task, "dispatch", wrapped)
		return "", wrapped
	}
	a.opts.logger.Debug("子任务已入队",
		slog.String("task_id", task.ID),
		slog.String("session_id", spec.SessionID))
	return task.ID, nil
}

// WaitForCompletion 实现 Adapter。以固定间隔轮询任务表，只挂起调用方自身。
func (a *DeferredAdapter) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (Result, error) {
	started := time.Now()
	task, ok, err := a.table.load(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, notFound(taskID)
	}
	if task.Status.IsTerminal() {
		return task.Result(), nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			return task.timedOut(time.Since(started)), nil
		case <-ticker.C:
			latest, ok, err := a.table.load(ctx, taskID)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				return Result{}, notFound(taskID)
			}
			task = latest
			if task.Status.IsTerminal() {
				return task.Result(), nil
			}
		}
	}
}

// CancelSubAgent 实现 Adapter。待执行的任务直接标记为 cancelled；
// 运行中的任务写入取消标记，由 Worker 在下一个检查点响应。
func (a *DeferredAdapter) CancelSubAgent(ctx context.Context, taskID string) error {
	var cancelledPending bool
	task, err := a.table.update(ctx, taskID, func(t *Task) (bool, error) {
		switch t.Status {
		case StatusPending:
			cancelledPending = true
			return true, t.finish(StatusCancelled, Outcome{}, nil, time.Now())
		case StatusRunning:
			if _, err := a.table.store.Set(ctx, cancelKey(taskID), []byte("1"), state.WithTTL(a.table.retention)); err != nil {
				return false, err
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if cancelledPending {
		a.opts.reporter().finished(ctx, task)
	}
	return nil
}

// IsRunning 实现 Adapter。
func (a *DeferredAdapter) IsRunning(ctx context.Context, taskID string) (bool, error) {
	task, ok, err := a.table.load(ctx, taskID)
	if err != nil || !ok {
		return false, err
	}
	return !task.Status.IsTerminal(), nil
}

// Lookup 实现 Inspector。
func (a *DeferredAdapter) Lookup(ctx context.Context, taskID string) (Task, error) {
	task, ok, err := a.table.load(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if ok {
		return task, nil
	}
	if a.opts.archive != nil {
		archived, found, err := a.opts.archive.Find(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if found {
			return archived, nil
		}
	}
	return Task{}, notFound(taskID)
}

// Close 关闭派发器。
func (a *DeferredAdapter) Close() error {
	return a.dispatcher.Close()
}

var _ Service = (*DeferredAdapter)(nil)

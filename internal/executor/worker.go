package executor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// Worker 从派发器消费延迟变体的子任务并交给 Runner 执行。
type Worker struct {
	table       taskTable
	dispatcher  Dispatcher
	runner      Runner
	workerCount int
	opts        options
}

// NewWorker 构造 Worker。dispatcher 须与 DeferredAdapter 使用的一致。
func NewWorker(store state.Store, dispatcher Dispatcher, runner Runner, workerCount int, opts ...Option) *Worker {
	o := buildOptions("executor.worker", opts)
	if dispatcher == nil {
		dispatcher = NewStoreDispatcher(store, DefaultQueue, o.pollInterval)
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Worker{
		table:       taskTable{store: store, retention: o.retention},
		dispatcher:  dispatcher,
		runner:      runner,
		workerCount: workerCount,
		opts:        o,
	}
}

// Start 启动任务处理循环，阻塞直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.runner == nil {
		return xerrors.New(xerrors.CodeInitializationError, "未配置子智能体 Runner")
	}
	w.opts.logger.Info("子任务 Worker 已启动", slog.Int("workers", w.workerCount))
	return w.dispatcher.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, taskID string) error {
	skip := false
	task, err := w.table.update(ctx, taskID, func(t *Task) (bool, error) {
		if t.Status != StatusPending {
			skip = true
			return false, nil
		}
		return true, t.markRunning(time.Now())
	})
	if xerrors.HasCode(err, xerrors.CodeNotFound) {
		w.opts.logger.Debug("跳过不存在的子任务", slog.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}
	if skip {
		w.opts.logger.Debug("跳过非待执行的子任务", slog.String("task_id", taskID), slog.String("status", string(task.Status)))
		return nil
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if task.Spec.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Spec.MaxDuration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var cancelled atomic.Bool
	watchDone := make(chan struct{})
	go w.watchCancel(runCtx, taskID, &cancelled, cancel, watchDone)

	outcome, runErr := runSafely(runCtx, w.runner, task.Spec)
	status := classify(runCtx, cancelled.Load(), runErr)
	cancel()
	<-watchDone

	persistCtx, persistCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer persistCancel()
	finished := false
	final, err := w.table.update(persistCtx, taskID, func(t *Task) (bool, error) {
		if t.Status.IsTerminal() {
			return false, nil
		}
		finished = true
		return true, t.finish(status, outcome, runErr, time.Now())
	})
	if err != nil {
		w.opts.logger.Error("回写子任务终态失败", slog.String("task_id", taskID), slog.Any("error", err))
		w.opts.reporter().alert(persistCtx, task, "persist_result", err)
		return err
	}
	if _, err := w.table.store.Delete(persistCtx, cancelKey(taskID)); err != nil {
		w.opts.logger.Warn("清理取消标记失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if finished {
		w.opts.reporter().finished(persistCtx, final)
	}
	return nil
}

// watchCancel 轮询取消标记，发现后触发 cancel。
func (w *Worker) watchCancel(ctx context.Context, taskID string, cancelled *atomic.Bool, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.opts.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.table.store.Exists(ctx, cancelKey(taskID))
			if err != nil {
				w.opts.logger.Warn("读取取消标记失败", slog.String("task_id", taskID), slog.Any("error", err))
				continue
			}
			if ok {
				cancelled.Store(true)
				cancel()
				return
			}
		}
	}
}

// runSafely 将 Runner 中的 panic 转换为失败结果。
func runSafely(ctx context.Context, runner Runner, spec TaskSpec) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return runner.Run(ctx, spec)
}

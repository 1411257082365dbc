package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
	"AgentHub/pkg/logger"
)

// DefaultQueue 是延迟变体在共享存储中使用的队列名。
const DefaultQueue = "subagent:queue"

// Handler 处理来自队列的任务 ID。
type Handler func(ctx context.Context, taskID string) error

// Dispatcher 负责把任务 ID 投递给异步 Worker。
type Dispatcher interface {
	Publish(ctx context.Context, taskID string) error
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// StoreDispatcher 使用共享存储的 FIFO 队列投递任务，Worker 以固定间隔轮询。
type StoreDispatcher struct {
	queue    state.Queue
	name     string
	interval time.Duration
	logger   *slog.Logger
}

// NewStoreDispatcher 创建基于共享存储队列的派发器。
func NewStoreDispatcher(queue state.Queue, name string, interval time.Duration) *StoreDispatcher {
	if name == "" {
		name = DefaultQueue
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &StoreDispatcher{queue: queue, name: name, interval: interval, logger: logger.Named("executor.dispatcher")}
}

// Publish 将任务投递到队列尾部。
func (d *StoreDispatcher) Publish(ctx context.Context, taskID string) error {
	if _, err := d.queue.Push(ctx, d.name, []byte(taskID)); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "投递子任务失败")
	}
	return nil
}

// Consume 启动 workerCount 个轮询协程，直到 ctx 取消。
func (d *StoreDispatcher) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.poll(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *StoreDispatcher) poll(ctx context.Context, handler Handler) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		for ctx.Err() == nil {
			raw, ok, err := d.queue.Pop(ctx, d.name)
			if err != nil {
				d.logger.Error("读取子任务队列失败", slog.Any("error", err))
				break
			}
			if !ok {
				break
			}
			if err := handler(ctx, string(raw)); err != nil {
				d.logger.Error("处理子任务失败", slog.String("task_id", string(raw)), slog.Any("error", err))
			}
		}
		timer.Reset(d.interval)
	}
}

// Close 实现 Dispatcher，存储的生命周期由调用方管理。
func (d *StoreDispatcher) Close() error { return nil }

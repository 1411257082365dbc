package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/observability/alerting"
	"AgentHub/internal/observability/metrics"
	"AgentHub/pkg/logger"
)

// Archive 持久化进入终态的子任务记录，用于用量核算与事后查询。
type Archive interface {
	Record(ctx context.Context, task Task) error
	Find(ctx context.Context, taskID string) (Task, bool, error)
}

// FileArchive 以 JSON Lines 追加写入本地文件，并在内存中保留最近的记录。
type FileArchive struct {
	mu      sync.RWMutex
	path    string
	recent  []Task
	maxKeep int
}

// NewFileArchive 打开（或创建）dataDir 下的 subagent_tasks.log。
func NewFileArchive(dataDir string) (*FileArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	a := &FileArchive{path: filepath.Join(dataDir, "subagent_tasks.log"), maxKeep: 512}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

// Record 追加一条记录。
func (a *FileArchive) Record(_ context.Context, task Task) error {
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化子任务记录失败: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开子任务日志失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入子任务日志失败: %w", err)
	}
	a.recent = append([]Task{task}, a.recent...)
	if len(a.recent) > a.maxKeep {
		a.recent = a.recent[:a.maxKeep]
	}
	return nil
}

// Find 在最近的记录中查找任务。
func (a *FileArchive) Find(_ context.Context, taskID string) (Task, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, task := range a.recent {
		if task.ID == taskID {
			return task, true, nil
		}
	}
	return Task{}, false, nil
}

func (a *FileArchive) load() error {
	file, err := os.OpenFile(a.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取子任务日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []Task
	for scanner.Scan() {
		var task Task
		if err := json.Unmarshal(scanner.Bytes(), &task); err != nil {
			continue
		}
		restored = append([]Task{task}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析子任务日志失败: %w", err)
	}
	if len(restored) > a.maxKeep {
		restored = restored[:a.maxKeep]
	}
	a.recent = restored
	return nil
}

// reporter 汇总终态任务的副作用：归档、指标、审计日志与告警。
type reporter struct {
	archive Archive
	alerter alerting.Dispatcher
	logger  *slog.Logger
}

func (r reporter) finished(ctx context.Context, task Task) {
	metrics.ObserveSubAgent(string(task.Status), msDuration(task.DurationMs))
	logger.Audit().Info("子任务结束",
		slog.String("task_id", task.ID),
		slog.String("session_id", task.Spec.SessionID),
		slog.String("status", string(task.Status)),
		slog.Int("steps", task.StepsExecuted),
		slog.Int("tokens", task.TokensUsed),
		slog.Int64("duration_ms", task.DurationMs),
	)
	if r.archive != nil {
		if err := r.archive.Record(ctx, task); err != nil {
			r.logger.Error("归档子任务失败", slog.String("task_id", task.ID), slog.Any("error", err))
		}
	}
	if task.Status == StatusFailed {
		cause := xerrors.New(xerrors.CodeUnknown, task.Error)
		r.alert(ctx, task, "subagent_failed", cause)
	}
}

func (r reporter) alert(ctx context.Context, task Task, stage string, cause error) {
	if r.alerter == nil {
		return
	}
	event := alerting.NewEvent(stage, cause)
	event.TaskID = task.ID
	event.SessionID = task.Spec.SessionID
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

package executor

import (
	"context"
	"fmt"
	"time"

	xerrors "AgentHub/internal/errors"
)

// Status 表示子智能体任务的生命周期状态。状态只能前进，不能回退。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	}
	if s.IsTerminal() {
		return 2
	}
	return -1
}

// CanTransition 判断从 s 到 next 的迁移是否合法。
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// TaskSpec 描述一次子智能体派生请求。
type TaskSpec struct {
	SessionID   string            `json:"sessionId"`
	Goal        string            `json:"goal"`
	MaxSteps    int               `json:"maxSteps,omitempty"`
	MaxDuration time.Duration     `json:"maxDuration,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate 校验派生请求。
func (s TaskSpec) Validate() error {
	if s.Goal == "" {
		return xerrors.New(xerrors.CodeValidation, "子任务目标不能为空")
	}
	if s.MaxSteps < 0 || s.MaxDuration < 0 {
		return xerrors.New(xerrors.CodeValidation, "maxSteps 与 maxDuration 不能为负数")
	}
	return nil
}

// Task 是子智能体任务的完整记录，既用于进程内跟踪，也序列化后存入共享存储。
type Task struct {
	ID            string     `json:"id"`
	Spec          TaskSpec   `json:"spec"`
	Status        Status     `json:"status"`
	Output        string     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	StepsExecuted int        `json:"stepsExecuted"`
	TokensUsed    int        `json:"tokensUsed"`
	DurationMs    int64      `json:"durationMs"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Result 是 WaitForCompletion 返回的任务快照。
type Result struct {
	TaskID        string `json:"taskId"`
	SessionID     string `json:"sessionId"`
	Status        Status `json:"status"`
	Output        string `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	StepsExecuted int    `json:"stepsExecuted"`
	TokensUsed    int    `json:"tokensUsed"`
	DurationMs    int64  `json:"durationMs"`
}

// Result 生成任务快照。
func (t Task) Result() Result {
	return Result{
		TaskID:        t.ID,
		SessionID:     t.Spec.SessionID,
		Status:        t.Status,
		Output:        t.Output,
		Error:         t.Error,
		StepsExecuted: t.StepsExecuted,
		TokensUsed:    t.TokensUsed,
		DurationMs:    t.DurationMs,
	}
}

// timedOut 返回等待超时时的快照：状态记为 timeout，任务本身不受影响。
func (t Task) timedOut(elapsed time.Duration) Result {
	r := t.Result()
	r.Status = StatusTimeout
	if r.DurationMs == 0 {
		r.DurationMs = elapsed.Milliseconds()
	}
	return r
}

func (t *Task) transition(next Status) error {
	if !t.Status.CanTransition(next) {
		return xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("任务 %s 不能从 %s 迁移到 %s", t.ID, t.Status, next))
	}
	t.Status = next
	return nil
}

func (t *Task) markRunning(now time.Time) error {
	if err := t.transition(StatusRunning); err != nil {
		return err
	}
	t.StartedAt = &now
	return nil
}

// finish 写入终态与用量字段。失败、超时时同样记录用量以便核算。
func (t *Task) finish(status Status, outcome Outcome, runErr error, now time.Time) error {
	if err := t.transition(status); err != nil {
		return err
	}
	t.Output = outcome.Output
	t.StepsExecuted = outcome.Steps
	t.TokensUsed = outcome.Tokens
	if runErr != nil {
		t.Error = runErr.Error()
	}
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	t.DurationMs = now.Sub(start).Milliseconds()
	t.FinishedAt = &now
	return nil
}

// Outcome 是一次子智能体运行产生的结果与用量，出错时也应尽量填写。
type Outcome struct {
	Output string
	Steps  int
	Tokens int
}

// Runner 真正执行子智能体。实现需要在 ctx 取消后尽快返回。
type Runner interface {
	Run(ctx context.Context, spec TaskSpec) (Outcome, error)
}

// RunnerFunc 允许以函数实现 Runner。
type RunnerFunc func(ctx context.Context, spec TaskSpec) (Outcome, error)

// Run 实现 Runner。
func (f RunnerFunc) Run(ctx context.Context, spec TaskSpec) (Outcome, error) {
	return f(ctx, spec)
}

// Adapter 是子智能体派生/等待/取消协议。具体变体在部署时由配置决定。
type Adapter interface {
	// ExecuteSubAgent 在任务被持久化、执行被发起后立即返回任务 ID。
	// 只有适配器自身的故障才会返回错误，运行期失败通过 WaitForCompletion 体现。
	ExecuteSubAgent(ctx context.Context, spec TaskSpec) (string, error)
	// WaitForCompletion 等待任务进入终态或超时。超时返回状态为 timeout 的快照，不会停止任务。
	WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (Result, error)
	// CancelSubAgent 协作式取消，幂等；对终态任务无效果。
	CancelSubAgent(ctx context.Context, taskID string) error
	// IsRunning 非阻塞地判断任务是否尚未结束。
	IsRunning(ctx context.Context, taskID string) (bool, error)
}

// Inspector 提供任务记录查询，两种变体均实现。
type Inspector interface {
	Lookup(ctx context.Context, taskID string) (Task, error)
}

// Service 组合 Adapter 与 Inspector，供会话层和 API 使用。
type Service interface {
	Adapter
	Inspector
}

func notFound(taskID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("子任务 %s 不存在", taskID),
		xerrors.WithDetail("taskId", taskID))
}

func classify(ctx context.Context, cancelled bool, runErr error) Status {
	switch {
	case cancelled:
		return StatusCancelled
	case runErr == nil:
		return StatusCompleted
	case ctx.Err() == context.DeadlineExceeded:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

func panicError(r any) error {
	return xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("子智能体运行时 panic: %v", r))
}

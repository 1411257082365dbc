package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/events"
	"AgentHub/internal/executor"
	"AgentHub/internal/llm"
	"AgentHub/pkg/logger"
)

// 子智能体的执行方式。
const (
	ModeParallel   = "parallel"
	ModeSequential = "sequential"
)

const (
	defaultMaxSteps    = 5
	defaultForkTimeout = 2 * time.Minute
	forkPrefix         = "fork:"
	subAgentTool       = "subagent"
)

// ExecContext 是一次执行的上下文。
type ExecContext struct {
	SessionID string
	UserID    string
	MaxSteps  int
	Mode      string
	Metadata  map[string]any
}

// Result 汇总一次执行的结果。出错时也会填充已消耗的步数与 token。
type Result struct {
	Output     string `json:"output"`
	Steps      int    `json:"steps"`
	Tokens     int    `json:"tokens"`
	DurationMs int64  `json:"durationMs"`
}

// Agent 是会话独占的智能体实例。
type Agent interface {
	Execute(ctx context.Context, goal string, ec ExecContext) (Result, error)
	Subscribe(eventType events.Type, handler Handler) func()
}

// Factory 为新会话构造智能体。
type Factory func(ctx context.Context, sessionID, userID string) (Agent, error)

// StepAgent 按步骤驱动大模型：目标中的 fork: 行先作为子智能体派发并等待，
// 其结果作为观察结果进入最后一步推理。
type StepAgent struct {
	Emitter

	client      llm.Client
	adapter     executor.Adapter
	maxSteps    int
	forkTimeout time.Duration
	llmTimeout  time.Duration
	logger      *slog.Logger
}

// Option 定义可选的 StepAgent 配置。
type Option func(*StepAgent)

// WithAdapter 启用子智能体派发。未配置时 fork: 行按普通文本处理。
func WithAdapter(adapter executor.Adapter) Option {
	return func(a *StepAgent) {
		a.adapter = adapter
	}
}

// WithMaxSteps 设置默认最大步数。
func WithMaxSteps(n int) Option {
	return func(a *StepAgent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithForkTimeout 设置等待单个子智能体的超时，超时后子任务会被取消。
func WithForkTimeout(d time.Duration) Option {
	return func(a *StepAgent) {
		if d > 0 {
			a.forkTimeout = d
		}
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *StepAgent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 StepAgent。
func New(client llm.Client, opts ...Option) *StepAgent {
	ag := &StepAgent{
		client:      client,
		maxSteps:    defaultMaxSteps,
		forkTimeout: defaultForkTimeout,
		logger:      logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// NewFactory 返回为每个会话构造独立 StepAgent 的工厂。
func NewFactory(client llm.Client, opts ...Option) Factory {
	return func(_ context.Context, _, _ string) (Agent, error) {
		if client == nil {
			return nil, xerrors.New(xerrors.CodeInitializationError, "未配置大模型客户端")
		}
		return New(client, opts...), nil
	}
}

// Execute 实现 Agent。
func (a *StepAgent) Execute(ctx context.Context, goal string, ec ExecContext) (result Result, err error) {
	started := time.Now()
	emit := func(typ events.Type, data any) {
		a.Emit(events.New(typ, ec.SessionID, data))
	}
	defer func() {
		result.DurationMs = time.Since(started).Milliseconds()
		if err != nil {
			emit(events.TypeAgentError, events.Failure{
				SessionID: ec.SessionID,
				Error:     events.ErrorInfo{Code: string(xerrors.CodeOf(err)), Message: err.Error()},
			})
			return
		}
		emit(events.TypeAgentComplete, events.Complete{SessionID: ec.SessionID, Result: result})
	}()

	if a.client == nil {
		return result, xerrors.New(xerrors.CodeInitializationError, "未配置大模型客户端")
	}
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return result, xerrors.New(xerrors.CodeValidation, "任务目标不能为空")
	}
	maxSteps := ec.MaxSteps
	if maxSteps <= 0 {
		maxSteps = a.maxSteps
	}
	mode := ec.Mode
	if mode == "" {
		mode = ModeParallel
	}
	if mode != ModeParallel && mode != ModeSequential {
		return result, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的执行模式 %q", ec.Mode))
	}

	mainGoal, forks := a.splitGoal(goal)
	needed := 1
	if len(forks) > 0 {
		needed = 2
	}
	if maxSteps < needed {
		return result, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("maxSteps=%d 不足以完成目标，至少需要 %d 步", maxSteps, needed),
			xerrors.WithDetail("maxSteps", maxSteps))
	}

	var observations []llm.Observation
	if len(forks) > 0 {
		result.Steps++
		emit(events.TypeStepStarted, events.StepStarted{Step: result.Steps, Description: fmt.Sprintf("派发 %d 个子智能体", len(forks))})
		results, forkErr := a.runForks(ctx, ec, mode, forks, maxSteps-1, emit)
		for i, res := range results {
			result.Tokens += res.TokensUsed
			observations = append(observations, llm.Observation{
				Source:  fmt.Sprintf("subagent#%d(%s)", i+1, res.Status),
				Content: firstNonEmpty(res.Output, res.Error),
			})
		}
		if forkErr != nil {
			return result, forkErr
		}
		emit(events.TypeStepCompleted, events.StepCompleted{Step: result.Steps, Output: fmt.Sprintf("%d 个子智能体已结束", len(results))})
		emit(events.TypeAgentProgress, events.Progress{
			SessionID: ec.SessionID,
			Progress:  float64(result.Steps) / float64(result.Steps+1),
			Step:      result.Steps,
			MaxSteps:  maxSteps,
			Message:   "子智能体结果已收集",
		})
	}

	result.Steps++
	step := result.Steps
	emit(events.TypeStepStarted, events.StepStarted{Step: step, Description: "推理"})
	resp, err := a.generate(ctx, llm.Request{Goal: mainGoal, Step: step, MaxSteps: maxSteps, Observations: observations}, emit)
	if err != nil {
		return result, err
	}
	result.Tokens += resp.Tokens
	result.Output = resp.Reply
	emit(events.TypeStepCompleted, events.StepCompleted{Step: step, Output: resp.Reply})
	return result, nil
}

func (a *StepAgent) generate(ctx context.Context, req llm.Request, emit func(events.Type, any)) (*llm.Response, error) {
	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}
	model := ""
	if named, ok := a.client.(llm.Named); ok {
		model = named.Model()
	}
	emit(events.TypeLLMStarted, events.LLMStarted{StepID: req.Step, Model: model})

	var (
		resp *llm.Response
		err  error
	)
	if streamer, ok := a.client.(llm.Streamer); ok {
		// 片段延后一个发出，以便把最后一个标记为 IsFinal。
		var (
			pending *events.LLMStreaming
			index   int
		)
		resp, err = streamer.Stream(llmCtx, req, func(delta string) {
			if pending != nil {
				emit(events.TypeLLMStreaming, *pending)
			}
			pending = &events.LLMStreaming{Text: delta, Index: index}
			index++
		})
		if pending != nil {
			pending.IsFinal = err == nil
			emit(events.TypeLLMStreaming, *pending)
		}
	} else {
		resp, err = a.client.Generate(llmCtx, req)
	}
	if err != nil {
		if stdErrors.Is(err, context.Canceled) {
			return nil, err
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeAgentFailure, err, "大模型推理失败")
	}
	emit(events.TypeLLMComplete, events.LLMComplete{StepID: req.Step, Response: resp.Reply, Tokens: resp.Tokens})
	return resp, nil
}

// runForks 派发并等待全部子智能体。返回的结果与 forks 一一对应。
func (a *StepAgent) runForks(ctx context.Context, ec ExecContext, mode string, forks []string, maxSteps int, emit func(events.Type, any)) ([]executor.Result, error) {
	results := make([]executor.Result, len(forks))
	launch := func(i int) (string, error) {
		emit(events.TypeToolExecuting, events.ToolExecuting{
			SessionID:  ec.SessionID,
			ToolName:   subAgentTool,
			Parameters: map[string]any{"goal": forks[i], "maxSteps": maxSteps, "mode": mode},
		})
		id, err := a.adapter.ExecuteSubAgent(ctx, executor.TaskSpec{
			SessionID: ec.SessionID,
			Goal:      forks[i],
			MaxSteps:  maxSteps,
			Metadata:  map[string]string{"parent": ec.SessionID},
		})
		if err != nil {
			emit(events.TypeToolCompleted, events.ToolCompleted{
				SessionID: ec.SessionID,
				ToolName:  subAgentTool,
				Result:    events.ToolResult{Status: "error", Error: err.Error()},
			})
		}
		return id, err
	}

	if mode == ModeSequential {
		for i := range forks {
			id, err := launch(i)
			if err != nil {
				return results[:i], err
			}
			res, err := a.await(ctx, ec.SessionID, id, emit)
			results[i] = res
			if err != nil {
				return results[:i+1], err
			}
		}
		return results, nil
	}

	ids := make([]string, 0, len(forks))
	for i := range forks {
		id, err := launch(i)
		if err != nil {
			a.cancelAll(ids)
			return nil, err
		}
		ids = append(ids, id)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := a.await(ctx, ec.SessionID, id, emit)
			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}(i, id)
	}
	wg.Wait()
	return results, firstErr
}

// await 等待子智能体结束；等待超时或调用方取消时显式取消子任务。
func (a *StepAgent) await(ctx context.Context, sessionID, id string, emit func(events.Type, any)) (executor.Result, error) {
	res, err := a.adapter.WaitForCompletion(ctx, id, a.forkTimeout)
	if err != nil {
		a.cancelAll([]string{id})
		return executor.Result{TaskID: id}, err
	}
	if res.Status == executor.StatusTimeout {
		a.cancelAll([]string{id})
	}
	emit(events.TypeToolCompleted, events.ToolCompleted{
		SessionID: sessionID,
		ToolName:  subAgentTool,
		Result: events.ToolResult{
			TaskID: id,
			Status: string(res.Status),
			Output: res.Output,
			Error:  res.Error,
		},
	})
	return res, nil
}

func (a *StepAgent) cancelAll(ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := a.adapter.CancelSubAgent(ctx, id); err != nil {
			a.logger.Warn("取消子智能体失败", slog.String("task_id", id), slog.Any("error", err))
		}
	}
}

// splitGoal 拆出 fork: 行。未配置适配器时不拆分。
func (a *StepAgent) splitGoal(goal string) (string, []string) {
	if a.adapter == nil {
		return goal, nil
	}
	var (
		rest  []string
		forks []string
	)
	for _, line := range strings.Split(goal, "\n") {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) >= len(forkPrefix) && strings.EqualFold(trimmed[:len(forkPrefix)], forkPrefix) {
			if sub := strings.TrimSpace(trimmed[len(forkPrefix):]); sub != "" {
				forks = append(forks, sub)
			}
			continue
		}
		if trimmed != "" {
			rest = append(rest, trimmed)
		}
	}
	mainGoal := strings.Join(rest, "\n")
	if mainGoal == "" {
		mainGoal = "汇总子智能体结果"
	}
	return mainGoal, forks
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ Agent = (*StepAgent)(nil)

package agent

import (
	"context"

	"AgentHub/internal/executor"
	"AgentHub/internal/llm"
)

// NewSubAgentRunner 返回执行子任务的 Runner。子智能体不再派发下一层子任务，
// 出错时仍返回已消耗的步数与 token。
func NewSubAgentRunner(client llm.Client, opts ...Option) executor.RunnerFunc {
	return func(ctx context.Context, spec executor.TaskSpec) (executor.Outcome, error) {
		ag := New(client, append(opts, WithAdapter(nil))...)
		res, err := ag.Execute(ctx, spec.Goal, ExecContext{
			SessionID: spec.SessionID,
			MaxSteps:  spec.MaxSteps,
		})
		return executor.Outcome{Output: res.Output, Steps: res.Steps, Tokens: res.Tokens}, err
	}
}

package llm

import (
	"context"
	"fmt"
	"strings"
)

// Echo 是不依赖外部服务的确定性客户端，回复目标本身并附带观察结果。
// 用于本地运行和测试。
type Echo struct{}

// Model 实现 Named。
func (Echo) Model() string { return "echo" }

// Generate 实现 Client。
func (e Echo) Generate(ctx context.Context, req Request) (*Response, error) {
	return e.Stream(ctx, req, nil)
}

// Stream 实现 Streamer，按空白切分回复逐段回调。
func (Echo) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := strings.TrimSpace(req.Goal)
	if len(req.Observations) > 0 {
		parts := make([]string, 0, len(req.Observations))
		for _, obs := range req.Observations {
			parts = append(parts, fmt.Sprintf("%s=%s", obs.Source, strings.TrimSpace(obs.Content)))
		}
		reply = fmt.Sprintf("%s [%s]", reply, strings.Join(parts, "; "))
	}
	if onDelta != nil {
		for _, word := range strings.Fields(reply) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			onDelta(word + " ")
		}
	}
	return &Response{
		Thought: fmt.Sprintf("step %d", req.Step),
		Reply:   reply,
		Tokens:  len(strings.Fields(req.Goal)) + len(strings.Fields(reply)),
	}, nil
}

var _ Streamer = Echo{}

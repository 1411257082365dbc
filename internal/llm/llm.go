package llm

import "context"

// Request 描述一次推理步骤发送给大模型的上下文。
type Request struct {
	Goal         string
	Step         int
	MaxSteps     int
	Observations []Observation
}

// Observation 是此前步骤得到的观察结果，例如子智能体的输出。
type Observation struct {
	Source  string
	Content string
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
	Tokens  int
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Streamer 由支持流式输出的客户端实现，每个增量片段回调一次 onDelta。
type Streamer interface {
	Client
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (*Response, error)
}

// Named 由能报告模型名称的客户端实现。
type Named interface {
	Model() string
}

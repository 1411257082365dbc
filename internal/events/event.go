package events

import "time"

// Type 是事件类型，取值固定为下列目录之一。
type Type string

// 事件目录。
const (
	TypeSessionCreated Type = "session:created"
	TypeLLMStarted     Type = "llm:started"
	TypeLLMStreaming   Type = "llm:streaming"
	TypeLLMComplete    Type = "llm:complete"
	TypeStepStarted    Type = "step:started"
	TypeStepCompleted  Type = "step:completed"
	TypeToolExecuting  Type = "tool:executing"
	TypeToolCompleted  Type = "tool:completed"
	TypeAgentProgress  Type = "agent:progress"
	TypeAgentComplete  Type = "agent:complete"
	TypeAgentError     Type = "agent:error"
)

var catalogue = map[Type]struct{}{
	TypeSessionCreated: {},
	TypeLLMStarted:     {},
	TypeLLMStreaming:   {},
	TypeLLMComplete:    {},
	TypeStepStarted:    {},
	TypeStepCompleted:  {},
	TypeToolExecuting:  {},
	TypeToolCompleted:  {},
	TypeAgentProgress:  {},
	TypeAgentComplete:  {},
	TypeAgentError:     {},
}

// Known 判断事件类型是否属于目录。
func (t Type) Known() bool {
	_, ok := catalogue[t]
	return ok
}

// Event 是推送给传输层的事件信封。
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New 构造事件，时间戳取当前时间。
func New(typ Type, sessionID string, data any) Event {
	return Event{Type: typ, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data}
}

// SessionCreated 携带新建会话的快照。
type SessionCreated struct {
	Session any `json:"session"`
}

// LLMStarted 描述一次模型调用的开始。
type LLMStarted struct {
	StepID int    `json:"stepId"`
	Model  string `json:"model"`
}

// LLMStreaming 携带流式输出的片段。Index 从 0 递增，最后一个片段 IsFinal 为 true。
type LLMStreaming struct {
	Text    string `json:"text"`
	Index   int    `json:"index"`
	IsFinal bool   `json:"isFinal"`
}

// LLMComplete 描述一次模型调用的结果。
type LLMComplete struct {
	StepID   int    `json:"stepId"`
	Response string `json:"response"`
	Tokens   int    `json:"tokens,omitempty"`
}

// StepStarted 描述一个推理步骤的开始。
type StepStarted struct {
	Step        int    `json:"step"`
	Description string `json:"description,omitempty"`
}

// StepCompleted 描述一个推理步骤的结束。
type StepCompleted struct {
	Step   int    `json:"step"`
	Output string `json:"output,omitempty"`
}

// ToolExecuting 描述工具（含子智能体）调用的开始。
type ToolExecuting struct {
	SessionID  string         `json:"sessionId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
}

// ToolCompleted 描述工具调用的结束。
type ToolCompleted struct {
	SessionID string     `json:"sessionId"`
	ToolName  string     `json:"toolName"`
	Result    ToolResult `json:"result"`
}

// ToolResult 是工具调用的结果。子智能体调用时 TaskID 为子任务 ID。
type ToolResult struct {
	TaskID string `json:"taskId,omitempty"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Progress 描述整体执行进度，Progress 取值 0 到 1。
type Progress struct {
	SessionID string  `json:"sessionId"`
	Progress  float64 `json:"progress"`
	Step      int     `json:"step,omitempty"`
	MaxSteps  int     `json:"maxSteps,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Complete 携带一次执行的最终结果。
type Complete struct {
	SessionID string `json:"sessionId"`
	Result    any    `json:"result"`
}

// Failure 描述执行失败或握手失败。
type Failure struct {
	SessionID string    `json:"sessionId"`
	Error     ErrorInfo `json:"error"`
}

// ErrorInfo 是失败事件中的错误描述。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

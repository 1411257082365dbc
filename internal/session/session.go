package session

import (
	"context"
	"sync"
	"time"

	"AgentHub/internal/agent"
)

// Status 是会话状态。
type Status string

// 会话状态取值。
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// Sweepable 判断处于该状态的会话能否被空闲清理回收。
func (s Status) Sweepable() bool {
	switch s {
	case StatusIdle, StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// Valid 判断状态取值是否合法。
func (s Status) Valid() bool {
	return s == StatusRunning || s.Sweepable()
}

// Info 是会话的只读快照。
type Info struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LastGoal       string         `json:"lastGoal,omitempty"`
	LastResult     *agent.Result  `json:"lastResult,omitempty"`
	LastError      string         `json:"lastError,omitempty"`
}

// ExecuteRequest 描述一次执行请求。
type ExecuteRequest struct {
	Goal     string `json:"goal"`
	MaxSteps int    `json:"maxSteps,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// ExecuteAck 是执行被受理后的应答。
type ExecuteAck struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
}

// session 的可变字段由 mu 保护。agent 在会话生命周期内不变。
type session struct {
	mu sync.Mutex

	id        string
	userID    string
	createdAt time.Time
	agent     agent.Agent
	detach    func()

	status         Status
	lastActivityAt time.Time
	metadata       map[string]any
	lastGoal       string
	lastResult     *agent.Result
	lastError      string

	executing     bool
	stopRequested bool
	// destroyed 由 Destroy 置位，此后不再接受新的执行。
	destroyed bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var metadata map[string]any
	if len(s.metadata) > 0 {
		metadata = make(map[string]any, len(s.metadata))
		for k, v := range s.metadata {
			metadata[k] = v
		}
	}
	var result *agent.Result
	if s.lastResult != nil {
		copied := *s.lastResult
		result = &copied
	}
	return Info{
		ID:             s.id,
		UserID:         s.userID,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		Metadata:       metadata,
		LastGoal:       s.lastGoal,
		LastResult:     result,
		LastError:      s.lastError,
	}
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
	s.mu.Unlock()
}

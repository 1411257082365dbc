package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentHub/internal/admission"
	"AgentHub/internal/agent"
	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/events"
	"AgentHub/internal/observability/metrics"
	"AgentHub/pkg/logger"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Admitter 为执行申请准入，由 admission.Controller 实现。
type Admitter interface {
	Admit(ctx context.Context, identity string) (*admission.Ticket, error)
}

// Manager 维护会话注册表。每个会话独占一个智能体实例，同一时刻至多一个执行。
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	factory     agent.Factory
	broadcaster *events.Broadcaster
	admitter    Admitter

	idleTTL       time.Duration
	sweepInterval time.Duration
	execTimeout   time.Duration
	now           func() time.Time
	logger        *slog.Logger

	runs      sync.WaitGroup
	stop      chan struct{}
	sweeper   sync.WaitGroup
	closeOnce sync.Once
}

// Option 配置 Manager。
type Option func(*Manager)

// WithAdmission 启用准入控制。
func WithAdmission(a Admitter) Option {
	return func(m *Manager) {
		m.admitter = a
	}
}

// WithIdleTTL 设置会话空闲多久后可被回收。
func WithIdleTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTTL = d
		}
	}
}

// WithSweepInterval 设置空闲清理周期，小于等于 0 时不启动后台清理。
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

// WithExecutionTimeout 限制单次执行的最长时间，0 表示不限制。
func WithExecutionTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.execTimeout = d
	}
}

// WithClock 替换时间源，用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 创建会话管理器并启动空闲清理。使用完毕须调用 Close。
func NewManager(factory agent.Factory, broadcaster *events.Broadcaster, opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*session),
		factory:       factory,
		broadcaster:   broadcaster,
		idleTTL:       defaultIdleTTL,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		logger:        logger.Named("session"),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.broadcaster == nil {
		m.broadcaster = events.NewBroadcaster()
	}
	if m.sweepInterval > 0 {
		m.sweeper.Add(1)
		go m.sweepLoop()
	}
	return m
}

// Broadcaster 返回会话事件广播器。
func (m *Manager) Broadcaster() *events.Broadcaster {
	return m.broadcaster
}

// Create 新建会话并绑定一个新的智能体实例。只有工厂失败会返回错误。
func (m *Manager) Create(ctx context.Context, userID string, metadata map[string]any) (Info, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Info{}, xerrors.New(xerrors.CodeValidation, "userId 不能为空")
	}
	if m.factory == nil {
		return Info{}, xerrors.New(xerrors.CodeInitializationError, "未配置智能体工厂")
	}
	id := uuid.NewString()
	ag, err := m.factory(ctx, id, userID)
	if err != nil {
		return Info{}, xerrors.Wrap(xerrors.CodeInitializationError, err, "创建智能体失败")
	}

	now := m.now()
	s := &session{
		id:             id,
		userID:         userID,
		createdAt:      now,
		agent:          ag,
		status:         StatusIdle,
		lastActivityAt: now,
		metadata:       metadata,
	}
	m.broadcaster.Open(id)
	s.detach = ag.Subscribe(agent.AllEvents, func(ev events.Event) {
		s.touch(m.now())
		m.broadcaster.Publish(id, ev)
	})

	m.mu.Lock()
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()
	metrics.SetActiveSessions(count)

	info := s.info()
	m.broadcaster.Publish(id, events.New(events.TypeSessionCreated, id, events.SessionCreated{Session: info}))
	logger.Audit().Info("会话已创建", slog.String("session_id", id), slog.String("user_id", userID))
	return info, nil
}

func (m *Manager) lookup(id string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Get 返回会话快照。
func (m *Manager) Get(id string) (Info, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, notFound(id)
	}
	return s.info(), nil
}

// Exists 判断会话是否存在。
func (m *Manager) Exists(id string) bool {
	_, ok := m.lookup(id)
	return ok
}

// GetActiveSessions 按创建时间返回用户的全部会话；userID 为空时返回所有会话。
func (m *Manager) GetActiveSessions(userID string) []Info {
	m.mu.RLock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if userID == "" || s.userID == userID {
			list = append(list, s)
		}
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count 返回注册表中的会话数量。
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// UpdateStatus 修改会话状态，会话不存在时不做任何事。
func (m *Manager) UpdateStatus(id string, status Status) {
	s, ok := m.lookup(id)
	if !ok {
		return
	}
	s.mu.Lock()
	s.status = status
	s.lastActivityAt = m.now()
	s.mu.Unlock()
}

// Execute 在后台运行会话的智能体。会话已有执行时返回 BUSY；
// 准入被拒绝时原样返回准入错误，会话状态保持不变。
func (m *Manager) Execute(ctx context.Context, id string, req ExecuteRequest) (ExecuteAck, error) {
	s, ok := m.lookup(id)
	if !ok {
		return ExecuteAck{}, notFound(id)
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return ExecuteAck{}, xerrors.New(xerrors.CodeValidation, "goal 不能为空")
	}
	if req.MaxSteps < 0 {
		return ExecuteAck{}, xerrors.New(xerrors.CodeValidation, "maxSteps 不能为负数")
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ExecuteAck{}, notFound(id)
	}
	if s.executing {
		s.mu.Unlock()
		return ExecuteAck{}, xerrors.New(xerrors.CodeBusy, fmt.Sprintf("会话 %s 正在执行", id))
	}
	s.executing = true
	s.mu.Unlock()

	var ticket *admission.Ticket
	if m.admitter != nil {
		var err error
		ticket, err = m.admitter.Admit(ctx, s.userID)
		if err != nil {
			s.mu.Lock()
			s.executing = false
			s.mu.Unlock()
			return ExecuteAck{}, err
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.execTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), m.execTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})

	s.mu.Lock()
	if s.destroyed {
		// 准入期间会话已被销毁。
		s.executing = false
		s.mu.Unlock()
		cancel()
		ticket.Release()
		return ExecuteAck{}, notFound(id)
	}
	s.status = StatusRunning
	s.lastActivityAt = m.now()
	s.lastGoal = goal
	s.stopRequested = false
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	m.runs.Add(1)
	go m.run(runCtx, s, ticket, goal, req, done)

	return ExecuteAck{SessionID: id, Status: StatusRunning}, nil
}

func (m *Manager) run(ctx context.Context, s *session, ticket *admission.Ticket, goal string, req ExecuteRequest, done chan struct{}) {
	defer m.runs.Done()
	defer close(done)
	defer ticket.Release()

	result, err := m.invoke(ctx, s, goal, req)

	s.mu.Lock()
	status := StatusCompleted
	switch {
	case err == nil:
		s.lastError = ""
	case s.stopRequested && stdErrors.Is(err, context.Canceled):
		status = StatusStopped
		s.lastError = ""
	default:
		status = StatusError
		s.lastError = err.Error()
	}
	s.status = status
	s.lastResult = &result
	s.lastActivityAt = m.now()
	s.executing = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	attrs := []any{
		slog.String("session_id", s.id),
		slog.String("user_id", s.userID),
		slog.String("status", string(status)),
		slog.Int("steps", result.Steps),
		slog.Int("tokens", result.Tokens),
		slog.Int64("duration_ms", result.DurationMs),
	}
	if err != nil && status == StatusError {
		attrs = append(attrs, slog.Any("error", err))
	}
	logger.Audit().Info("会话执行结束", attrs...)
}

// invoke 调用智能体并把 panic 转换为错误。
func (m *Manager) invoke(ctx context.Context, s *session, goal string, req ExecuteRequest) (result agent.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeAgentFailure, fmt.Sprintf("智能体执行 panic: %v", r))
			m.logger.Error("智能体执行 panic", slog.String("session_id", s.id), slog.Any("panic", r))
		}
	}()
	return s.agent.Execute(ctx, goal, agent.ExecContext{
		SessionID: s.id,
		UserID:    s.userID,
		MaxSteps:  req.MaxSteps,
		Mode:      req.Mode,
	})
}

// Stop 协作式取消进行中的执行。没有执行时不做任何事。
func (m *Manager) Stop(_ context.Context, id string) error {
	s, ok := m.lookup(id)
	if !ok {
		return notFound(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.executing || s.cancel == nil {
		return nil
	}
	s.stopRequested = true
	s.cancel()
	s.lastActivityAt = m.now()
	return nil
}

// Wait 等待当前执行结束并返回会话快照。没有执行时立即返回。
func (m *Manager) Wait(ctx context.Context, id string) (Info, error) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, notFound(id)
	}
	s.mu.Lock()
	done := s.done
	executing := s.executing
	s.mu.Unlock()
	if executing && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Info{}, ctx.Err()
		}
	}
	return s.info(), nil
}

// Destroy 移除会话并尽力释放资源，可重复调用。
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SetActiveSessions(count)

	s.mu.Lock()
	s.destroyed = true
	done := s.done
	executing := s.executing
	if executing && s.cancel != nil {
		s.stopRequested = true
		s.cancel()
	}
	s.mu.Unlock()

	if executing && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("等待执行结束超时，继续销毁会话", slog.String("session_id", id))
		}
	}
	if s.detach != nil {
		s.detach()
	}
	if closer, ok := s.agent.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			m.logger.Warn("关闭智能体失败", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	m.broadcaster.Drop(id)
	logger.Audit().Info("会话已销毁", slog.String("session_id", id), slog.String("user_id", s.userID))
	return nil
}

// Sweep 回收空闲超时的会话，返回回收数量。运行中的会话不会被回收。
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if !s.executing && s.status.Sweepable() && s.lastActivityAt.Before(cutoff) {
			expired = append(expired, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.Destroy(ctx, id); err != nil {
			m.logger.Warn("回收会话失败", slog.String("session_id", id), slog.Any("error", err))
		}
	}
	if len(expired) > 0 {
		m.logger.Info("已回收空闲会话", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func (m *Manager) sweepLoop() {
	defer m.sweeper.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.sweepInterval)
			m.Sweep(ctx)
			cancel()
		}
	}
}

// Close 停止空闲清理，销毁全部会话并等待后台执行退出。可重复调用。
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	m.sweeper.Wait()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Destroy(ctx, id)
	}

	waited := make(chan struct{})
	go func() {
		m.runs.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func notFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("会话 %s 不存在", id), xerrors.WithDetail("sessionId", id))
}

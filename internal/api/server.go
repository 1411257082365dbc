package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"AgentHub/internal/executor"
	"AgentHub/internal/observability/metrics"
	"AgentHub/internal/session"
	"AgentHub/pkg/logger"
)

const (
	defaultHeartbeat        = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// HealthCheck 检查一个依赖是否可用。
type HealthCheck func(ctx context.Context) error

// Server 负责暴露 REST、SSE 与 WebSocket 接口。
type Server struct {
	addr              string
	sessions          *session.Manager
	tasks             executor.Service
	capabilities      []string
	checks            map[string]HealthCheck
	diagnostics       bool
	heartbeat         time.Duration
	handshakeTimeout  time.Duration
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	originPatterns    []string
	logger            *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithSubAgents 开放子任务查询与取消接口。
func WithSubAgents(svc executor.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithCapabilities 设置 get-capabilities 返回的能力列表。
func WithCapabilities(caps ...string) Option {
	return func(s *Server) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// WithHealthCheck 注册健康检查项。
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// WithDiagnostics 在错误响应中附带错误链。
func WithDiagnostics(enabled bool) Option {
	return func(s *Server) {
		s.diagnostics = enabled
	}
}

// WithHeartbeat 设置 SSE 心跳间隔。
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithHandshakeTimeout 设置 WebSocket 认证消息的等待时间。
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithTimeouts 设置 HTTP 服务的读头与优雅关闭超时。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithOriginPatterns 设置允许跨域建立 WebSocket 的 Origin。
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = append(s.originPatterns, patterns...)
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		sessions:          sessions,
		checks:            make(map[string]HealthCheck),
		heartbeat:         defaultHeartbeat,
		handshakeTimeout:  defaultHandshakeTimeout,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		logger:            logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/v1/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/subagents/{id}", s.handleGetSubAgent)
	mux.HandleFunc("POST /api/v1/subagents/{id}/cancel", s.handleCancelSubAgent)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) sortedChecks() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

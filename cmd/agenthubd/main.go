package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"AgentHub/internal/admission"
	"AgentHub/internal/agent"
	"AgentHub/internal/api"
	"AgentHub/internal/bootstrap"
	"AgentHub/internal/config"
	"AgentHub/internal/events"
	"AgentHub/internal/executor"
	"AgentHub/internal/observability/metrics"
	"AgentHub/internal/session"
	"AgentHub/pkg/logger"
)

// main 是 AgentHub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agenthubd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	appLog := logger.Named("agenthubd")

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	alerts := bootstrap.Alerting(cfg)

	archive, closeArchive, err := bootstrap.OpenArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	client, err := bootstrap.LLMClient(cfg)
	if err != nil {
		return err
	}

	execOpts := bootstrap.ExecutorOptions(alerts, archive)
	runner := agent.NewSubAgentRunner(client, agent.WithMaxSteps(cfg.Agent.MaxSteps), agent.WithLLMTimeout(cfg.LLM.Timeout))
	bundle, err := executor.New(cfg.Executor, store, runner, execOpts...)
	if err != nil {
		return err
	}
	defer bundle.Close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if bundle.Worker != nil {
		go func() {
			if err := bundle.Worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error("子任务 Worker 异常退出", slog.Any("error", err))
			}
		}()
	}

	factory := agent.NewFactory(client,
		agent.WithAdapter(bundle.Service),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithForkTimeout(cfg.Agent.ForkTimeout),
		agent.WithLLMTimeout(cfg.LLM.Timeout),
	)
	broadcaster := events.NewBroadcaster(events.WithWriteTimeout(cfg.Server.WriteTimeout))
	admitter := admission.New(store, cfg.Admission)
	defer admitter.Close()
	appLog.Info("准入控制已启用", slog.String("instance_id", admitter.InstanceID()))
	sessions := session.NewManager(factory, broadcaster,
		session.WithAdmission(admitter),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithSweepInterval(cfg.Sessions.SweepInterval),
		session.WithExecutionTimeout(cfg.Sessions.ExecutionTimeout),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := sessions.Close(closeCtx); err != nil {
			appLog.Warn("关闭会话管理器失败", slog.Any("error", err))
		}
	}()

	opts := []api.Option{
		api.WithSubAgents(bundle.Service),
		api.WithCapabilities(capabilities(cfg)...),
		api.WithDiagnostics(cfg.Server.Diagnostics),
		api.WithHeartbeat(cfg.Server.SSEHeartbeat),
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout, cfg.Server.ShutdownTimeout),
		api.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		api.WithHealthCheck("store", func(ctx context.Context) error {
			_, err := store.Exists(ctx, "health:ping")
			return err
		}),
	}
	if pinger, ok := archive.(interface{ Ping(context.Context) error }); ok {
		opts = append(opts, api.WithHealthCheck("archive", pinger.Ping))
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
				appLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	appLog.Info("AgentHub 启动",
		slog.String("store", cfg.Store.Driver),
		slog.String("executor", cfg.Executor.Mode),
		slog.String("archive", cfg.Archive.Driver),
		slog.String("llm", cfg.LLM.Provider))
	return api.NewServer(cfg.Server.Address, sessions, opts...).Start(ctx)
}

func capabilities(cfg *config.Config) []string {
	caps := []string{"execute", "stop", "events:sse", "events:websocket", "subagents"}
	if cfg.Admission.RateLimit > 0 || cfg.Admission.MaxConcurrent > 0 {
		caps = append(caps, "admission")
	}
	return caps
}

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"AgentHub/internal/agent"
	"AgentHub/internal/bootstrap"
	"AgentHub/internal/config"
	"AgentHub/internal/executor"
	"AgentHub/pkg/logger"
)

// main 是独立子任务 Worker 的入口，与 agenthubd 共享同一份配置。
// 适用于 executor.mode=deferred 且未启用内嵌 Worker 的部署。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agenthub-worker 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	workerLog := logger.Named("agenthub-worker")

	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	archive, closeArchive, err := bootstrap.OpenArchive(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	client, err := bootstrap.LLMClient(cfg)
	if err != nil {
		return err
	}
	runner := agent.NewSubAgentRunner(client, agent.WithMaxSteps(cfg.Agent.MaxSteps), agent.WithLLMTimeout(cfg.LLM.Timeout))

	worker, dispatcher, err := executor.NewStandaloneWorker(cfg.Executor, store, runner,
		bootstrap.ExecutorOptions(bootstrap.Alerting(cfg), archive)...)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	workerLog.Info("子任务 Worker 启动",
		slog.String("dispatcher", cfg.Executor.Dispatcher),
		slog.Int("workers", cfg.Executor.Workers),
		slog.String("archive", cfg.Archive.Driver),
		slog.String("llm", cfg.LLM.Provider))
	err = worker.Start(ctx)
	workerLog.Info("子任务 Worker 已停止")
	return err
}

// Package bootstrap assembles the runtime dependencies shared by the
// agenthubd daemon and the standalone sub-agent worker.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"AgentHub/internal/config"
	"AgentHub/internal/executor"
	"AgentHub/internal/llm"
	"AgentHub/internal/llm/openai"
	"AgentHub/internal/observability/alerting"
	"AgentHub/internal/storage/mysql"
	"AgentHub/internal/storage/redis"
	"AgentHub/internal/storage/state"
)

// OpenStore returns the configured shared state store.
func OpenStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		return redis.New(ctx, cfg.Store.Redis)
	default:
		var opts []state.MemoryOption
		if cfg.Store.ReapInterval > 0 {
			opts = append(opts, state.WithReapInterval(cfg.Store.ReapInterval))
		}
		return state.NewMemoryStore(opts...), nil
	}
}

// OpenArchive returns the configured task archive and its closer.
// A nil archive means archiving is disabled.
func OpenArchive(ctx context.Context, cfg *config.Config) (executor.Archive, func(), error) {
	switch cfg.Archive.Driver {
	case config.ArchiveMySQL:
		archive, err := mysql.NewSQLArchive(ctx, cfg.Archive.MySQL)
		if err != nil {
			return nil, nil, err
		}
		return archive, func() { _ = archive.Close() }, nil
	case config.ArchiveFile:
		archive, err := executor.NewFileArchive(cfg.Archive.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return archive, func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// Alerting builds the alert fan-out: the log notifier plus one webhook
// notifier per configured URL.
func Alerting(cfg *config.Config) *alerting.FanoutDispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, url := range cfg.Alerting.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    url,
			Client: &http.Client{Timeout: cfg.Alerting.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

// LLMClient creates the model client for the configured provider.
func LLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", config.ProviderEcho:
		return llm.Echo{}, nil
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.LLM.Provider)
	}
}

// ExecutorOptions returns the executor options shared by both processes.
func ExecutorOptions(alerts alerting.Dispatcher, archive executor.Archive) []executor.Option {
	opts := []executor.Option{executor.WithAlertDispatcher(alerts)}
	if archive != nil {
		opts = append(opts, executor.WithArchive(archive))
	}
	return opts
}

package bootstrap

import (
	"context"
	"testing"

	"AgentHub/internal/config"
	"AgentHub/internal/executor"
	"AgentHub/internal/llm"
	"AgentHub/internal/storage/state"
)

func TestDefaultsUseLocalBackends(t *testing.T) {
	cfg, err := config.Parse(nil, t.TempDir())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := context.Background()

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, ok := store.(*state.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	archive, closeArchive, err := OpenArchive(ctx, cfg)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer closeArchive()
	if _, ok := archive.(*executor.FileArchive); !ok {
		t.Fatalf("expected file archive by default, got %T", archive)
	}

	client, err := LLMClient(cfg)
	if err != nil {
		t.Fatalf("llm client: %v", err)
	}
	if _, ok := client.(llm.Echo); !ok {
		t.Fatalf("expected echo client, got %T", client)
	}
	if opts := ExecutorOptions(Alerting(cfg), archive); len(opts) != 2 {
		t.Fatalf("expected alerting and archive options, got %d", len(opts))
	}
}

func TestArchiveDisabledAndUnknownProvider(t *testing.T) {
	cfg, err := config.Parse(nil, t.TempDir())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Archive.Driver = config.ArchiveNone
	archive, closeArchive, err := OpenArchive(context.Background(), cfg)
	if err != nil || archive != nil {
		t.Fatalf("disabled archive = %v, %v", archive, err)
	}
	closeArchive()
	if opts := ExecutorOptions(Alerting(cfg), nil); len(opts) != 1 {
		t.Fatalf("expected only the alerting option, got %d", len(opts))
	}

	cfg.LLM.Provider = "mystery"
	if _, err := LLMClient(cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

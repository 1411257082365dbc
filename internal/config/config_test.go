package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/executor"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil, "/srv/agenthub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Store.Driver != StoreMemory || cfg.Executor.Mode != executor.ModeInProcess || cfg.LLM.Provider != ProviderEcho {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
	if cfg.Admission.RateWindow != time.Minute || cfg.Admission.LeaseTTL != 30*time.Second {
		t.Fatalf("unexpected admission defaults: %+v", cfg.Admission)
	}
	if cfg.Archive.DataDir != filepath.Join("/srv/agenthub", "data") {
		t.Fatalf("data dir should be resolved against the config dir, got %s", cfg.Archive.DataDir)
	}
	if cfg.Server.Diagnostics {
		t.Fatalf("diagnostics must be off by default")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agenthub.yaml")
	content := `
server:
  address: ":9090"
  diagnostics: true
  write_timeout: 2s
store:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
admission:
  rate_limit: 10
  rate_window: 30s
  max_concurrent: 4
executor:
  mode: deferred
  embedded_worker: true
  workers: 2
archive:
  driver: file
  data_dir: state
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvRedisPassword, "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || !cfg.Server.Diagnostics || cfg.Server.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Store.Redis.Password != "s3cret" {
		t.Fatalf("redis password should come from the environment")
	}
	if cfg.Admission.RateLimit != 10 || cfg.Admission.RateWindow != 30*time.Second || cfg.Admission.MaxConcurrent != 4 {
		t.Fatalf("unexpected admission config: %+v", cfg.Admission)
	}
	if cfg.Executor.Mode != executor.ModeDeferred || cfg.Executor.Workers != 2 {
		t.Fatalf("unexpected executor config: %+v", cfg.Executor)
	}
	if cfg.Archive.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("unexpected data dir %s", cfg.Archive.DataDir)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":1\"\n"), ".")
	if !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("expected validation error for unknown field, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"unknown store":             "store:\n  driver: etcd\n",
		"redis without address":     "store:\n  driver: redis\n",
		"deferred memory no worker": "executor:\n  mode: deferred\n",
		"rabbitmq without url":      "executor:\n  mode: deferred\n  dispatcher: rabbitmq\n",
		"mysql without dsn":         "archive:\n  driver: mysql\n",
		"openai without key":        "llm:\n  provider: openai\n",
		"negative limits":           "admission:\n  rate_limit: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvMySQLDSN, "")
			t.Setenv(EnvOpenAIKey, "")
			if _, err := Parse([]byte(content), "."); !xerrors.HasCode(err, xerrors.CodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEnvSecretsSatisfyValidation(t *testing.T) {
	t.Setenv(EnvMySQLDSN, "user:pass@tcp(127.0.0.1:3306)/agenthub")
	t.Setenv(EnvOpenAIKey, "sk-test")
	cfg, err := Parse([]byte("archive:\n  driver: mysql\nllm:\n  provider: openai\n"), ".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Archive.MySQL.DSN == "" || cfg.LLM.OpenAI.APIKey != "sk-test" {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
}

func TestLoadFromEnvFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Chdir(t.TempDir())
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("an explicit missing config path must fail")
	}
}

func TestValidateWorker(t *testing.T) {
	cfg, err := Parse(nil, ".")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.ValidateWorker(); !xerrors.HasCode(err, xerrors.CodeValidation) {
		t.Fatalf("in-process memory config must be rejected, got %v", err)
	}
	cfg.Executor.Mode = executor.ModeDeferred
	cfg.Store.Driver = StoreRedis
	cfg.Store.Redis.Address = "127.0.0.1:6379"
	if err := cfg.ValidateWorker(); err != nil {
		t.Fatalf("deferred redis config should be accepted: %v", err)
	}
}

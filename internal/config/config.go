package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentHub/internal/admission"
	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/executor"
	"AgentHub/internal/storage/mysql"
	"AgentHub/internal/storage/redis"
	"AgentHub/pkg/logger"
)

// 环境变量。
const (
	EnvConfigPath    = "AGENTHUB_CONFIG"
	EnvRedisPassword = "AGENTHUB_REDIS_PASSWORD"
	EnvMySQLDSN      = "AGENTHUB_MYSQL_DSN"
	EnvOpenAIKey     = "OPENAI_API_KEY"

	DefaultPath = "configs/agenthub.yaml"
)

// Config 描述了 AgentHub 启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   logger.Config    `yaml:"logging"`
	Store     StoreConfig      `yaml:"store"`
	Admission admission.Config `yaml:"admission"`
	Sessions  SessionsConfig   `yaml:"sessions"`
	Executor  executor.Config  `yaml:"executor"`
	Archive   ArchiveConfig    `yaml:"archive"`
	LLM       LLMConfig        `yaml:"llm"`
	Agent     AgentConfig      `yaml:"agent"`
	Alerting  AlertingConfig   `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听与传输参数。
type ServerConfig struct {
	Address           string        `yaml:"address"`
	Diagnostics       bool          `yaml:"diagnostics"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	SSEHeartbeat      time.Duration `yaml:"sse_heartbeat"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MetricsAddress    string        `yaml:"metrics_address"`
}

// StoreConfig 选择共享状态存储的后端。
type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	Redis        redis.Config  `yaml:"redis"`
}

// SessionsConfig 控制会话生命周期。
type SessionsConfig struct {
	IdleTTL          time.Duration `yaml:"idle_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
}

// ArchiveConfig 选择子任务归档方式。
type ArchiveConfig struct {
	Driver  string       `yaml:"driver"`
	DataDir string       `yaml:"data_dir"`
	MySQL   mysql.Config `yaml:"mysql"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
	OpenAI   OpenAIConfig  `yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentConfig 控制参考智能体的行为。
type AgentConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	ForkTimeout time.Duration `yaml:"fork_timeout"`
}

// AlertingConfig 描述告警通道。日志通道始终启用。
type AlertingConfig struct {
	Webhooks []string      `yaml:"webhooks"`
	Timeout  time.Duration `yaml:"timeout"`
}

// 后端取值。
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"

	ArchiveNone  = "none"
	ArchiveFile  = "file"
	ArchiveMySQL = "mysql"

	ProviderEcho   = "echo"
	ProviderOpenAI = "openai"
)

// Load 负责解析指定路径的 YAML 配置文件，并应用默认值与环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationError, err, "读取配置文件失败")
	}

	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv 读取 AGENTHUB_CONFIG 指定的文件。未设置且默认文件不存在时只使用默认值。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil, ".")
	}
	return nil, err
}

// Parse 解析 YAML 内容。未知字段视为错误。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(content)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(content))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, xerrors.Wrap(xerrors.CodeValidation, err, "解析配置失败")
		}
	}

	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.SSEHeartbeat <= 0 {
		c.Server.SSEHeartbeat = 15 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}

	if c.Admission.RateWindow <= 0 {
		c.Admission.RateWindow = time.Minute
	}
	if c.Admission.LeaseTTL <= 0 {
		c.Admission.LeaseTTL = 30 * time.Second
	}

	if c.Sessions.IdleTTL <= 0 {
		c.Sessions.IdleTTL = 30 * time.Minute
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = time.Minute
	}

	if c.Executor.Mode == "" {
		c.Executor.Mode = executor.ModeInProcess
	}
	if c.Executor.Dispatcher == "" {
		c.Executor.Dispatcher = executor.DispatchStore
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 4
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = ArchiveFile
	}
	if c.Archive.DataDir == "" {
		c.Archive.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Archive.DataDir) {
		c.Archive.DataDir = filepath.Join(baseDir, c.Archive.DataDir)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderEcho
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.ForkTimeout <= 0 {
		c.Agent.ForkTimeout = 2 * time.Minute
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

// applyEnv 用环境变量覆盖密钥类配置。
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv(EnvMySQLDSN); v != "" {
		c.Archive.MySQL.DSN = v
	}
	if v := os.Getenv(EnvOpenAIKey); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
}

// ValidateWorker 检查独立 Worker 进程的部署约束：必须是延迟变体，
// 且任务表位于可跨进程共享的 Redis 中。
func (c *Config) ValidateWorker() error {
	var problems []string
	if c.Executor.Mode != executor.ModeDeferred {
		problems = append(problems, fmt.Sprintf("独立 Worker 要求 executor.mode 为 %s", executor.ModeDeferred))
	}
	if c.Store.Driver != StoreRedis {
		problems = append(problems, "独立 Worker 要求 store.driver 为 redis")
	}
	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Validate 检查配置取值的合法性与组合约束。
func (c *Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if strings.TrimSpace(c.Store.Redis.Address) == "" {
			problems = append(problems, "store.redis.address 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 store.driver %q", c.Store.Driver))
	}

	if c.Admission.RateLimit < 0 || c.Admission.MaxConcurrent < 0 {
		problems = append(problems, "admission 限额不能为负数")
	}

	switch c.Executor.Mode {
	case executor.ModeInProcess:
	case executor.ModeDeferred:
		if c.Executor.Dispatcher == executor.DispatchStore && c.Store.Driver == StoreMemory && !c.Executor.EmbeddedWorker {
			problems = append(problems, "内存存储下的延迟执行必须启用 executor.embedded_worker")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 executor.mode %q", c.Executor.Mode))
	}
	switch c.Executor.Dispatcher {
	case executor.DispatchStore:
	case executor.DispatchRabbitMQ:
		if c.Executor.Mode == executor.ModeDeferred && strings.TrimSpace(c.Executor.RabbitMQ.URL) == "" {
			problems = append(problems, "executor.rabbitmq.url 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 executor.dispatcher %q", c.Executor.Dispatcher))
	}

	switch c.Archive.Driver {
	case ArchiveNone, ArchiveFile:
	case ArchiveMySQL:
		if strings.TrimSpace(c.Archive.MySQL.DSN) == "" {
			problems = append(problems, "archive.mysql.dsn 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 archive.driver %q", c.Archive.Driver))
	}

	switch c.LLM.Provider {
	case ProviderEcho:
	case ProviderOpenAI:
		if strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
			problems = append(problems, "llm.openai.api_key 不能为空")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 llm.provider %q", c.LLM.Provider))
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeValidation, "配置校验失败: "+strings.Join(problems, "; "),
			xerrors.WithDetail("problems", problems))
	}
	return nil
}

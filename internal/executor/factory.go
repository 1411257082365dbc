package executor

import (
	"fmt"
	"time"

	xerrors "AgentHub/internal/errors"
	"AgentHub/internal/storage/state"
)

// 适配器变体。
const (
	ModeInProcess = "inprocess"
	ModeDeferred  = "deferred"
)

// 延迟变体的派发方式。
const (
	DispatchStore    = "store"
	DispatchRabbitMQ = "rabbitmq"
)

// Config 描述子任务执行的部署配置。
type Config struct {
	Mode           string         `yaml:"mode"`
	Dispatcher     string         `yaml:"dispatcher"`
	Queue          string         `yaml:"queue"`
	Workers        int            `yaml:"workers"`
	EmbeddedWorker bool           `yaml:"embedded_worker"`
	PollInterval   time.Duration  `yaml:"poll_interval"`
	Retention      time.Duration  `yaml:"retention"`
	RabbitMQ       RabbitMQConfig `yaml:"rabbitmq"`
}

// Bundle 是按配置装配好的执行组件。Worker 仅在延迟变体且启用内嵌 Worker 时非空。
type Bundle struct {
	Service    Service
	Worker     *Worker
	Dispatcher Dispatcher
}

// Close 释放适配器持有的资源。
func (b Bundle) Close() error {
	if closer, ok := b.Service.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// New 按配置选择适配器变体。
func New(cfg Config, store state.Store, runner Runner, opts ...Option) (Bundle, error) {
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	if cfg.Retention > 0 {
		opts = append(opts, WithRetention(cfg.Retention))
	}
	switch cfg.Mode {
	case "", ModeInProcess:
		if runner == nil {
			return Bundle{}, xerrors.New(xerrors.CodeInitializationError, "进程内变体需要 Runner")
		}
		return Bundle{Service: NewInProcessAdapter(runner, opts...)}, nil
	case ModeDeferred:
		dispatcher, err := newDispatcher(cfg, store)
		if err != nil {
			return Bundle{}, err
		}
		bundle := Bundle{
			Service:    NewDeferredAdapter(store, dispatcher, opts...),
			Dispatcher: dispatcher,
		}
		if cfg.EmbeddedWorker {
			if runner == nil {
				_ = dispatcher.Close()
				return Bundle{}, xerrors.New(xerrors.CodeInitializationError, "内嵌 Worker 需要 Runner")
			}
			bundle.Worker = NewWorker(store, dispatcher, runner, cfg.Workers, opts...)
		}
		return bundle, nil
	default:
		return Bundle{}, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的执行模式 %q", cfg.Mode))
	}
}

// NewStandaloneWorker 为独立部署的 Worker 进程装配派发器与 Worker。
// 仅适用于延迟变体；返回的派发器由调用方在退出时关闭。
func NewStandaloneWorker(cfg Config, store state.Store, runner Runner, opts ...Option) (*Worker, Dispatcher, error) {
	if cfg.Mode != ModeDeferred {
		return nil, nil, xerrors.New(xerrors.CodeValidation,
			fmt.Sprintf("独立 Worker 仅支持 %s 模式，当前为 %q", ModeDeferred, cfg.Mode))
	}
	if runner == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationError, "独立 Worker 需要 Runner")
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, WithPollInterval(cfg.PollInterval))
	}
	if cfg.Retention > 0 {
		opts = append(opts, WithRetention(cfg.Retention))
	}
	dispatcher, err := newDispatcher(cfg, store)
	if err != nil {
		return nil, nil, err
	}
	return NewWorker(store, dispatcher, runner, cfg.Workers, opts...), dispatcher, nil
}

func newDispatcher(cfg Config, store state.Store) (Dispatcher, error) {
	switch cfg.Dispatcher {
	case "", DispatchStore:
		return NewStoreDispatcher(store, cfg.Queue, cfg.PollInterval), nil
	case DispatchRabbitMQ:
		return NewRabbitMQDispatcher(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("未知的派发方式 %q", cfg.Dispatcher))
	}
}

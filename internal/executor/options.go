package executor

import (
	"log/slog"
	"time"

	"AgentHub/internal/observability/alerting"
	"AgentHub/pkg/logger"
)

const (
	defaultRetention    = 24 * time.Hour
	defaultPollInterval = 50 * time.Millisecond
	defaultLockTTL      = 5 * time.Second
)

type options struct {
	archive      Archive
	alerter      alerting.Dispatcher
	logger       *slog.Logger
	retention    time.Duration
	pollInterval time.Duration
}

// Option 定义适配器与 Worker 的可选配置。
type Option func(*options)

// WithArchive 配置终态任务的归档位置。
func WithArchive(archive Archive) Option {
	return func(o *options) {
		o.archive = archive
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *options) {
		o.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetention 设置终态任务记录的保留时长。
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithPollInterval 设置轮询共享存储的间隔。
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger:       logger.Named(component),
		retention:    defaultRetention,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) reporter() reporter {
	return reporter{archive: o.archive, alerter: o.alerter, logger: o.logger}
}

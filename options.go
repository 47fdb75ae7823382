package goxa

import (
	"time"

	"github.com/xiaoxuxiansheng/goxa/executor"
	"github.com/xiaoxuxiansheng/goxa/journal"
	"github.com/xiaoxuxiansheng/goxa/recovery"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Options struct {
	// 节点唯一标识，为空时使用本机 IP
	ServerID string
	Journal  journal.Journal
	Executor executor.Executor
	// 事务执行时长限制
	DefaultTimeout time.Duration
	// 关闭时等待进行中事务完成的时长
	GracefulShutdownInterval time.Duration
	// 后台恢复任务间隔时长
	RecoveryInterval time.Duration
	// 为 true 时不启动后台恢复任务
	DisableBackgroundRecovery bool
	CurrentNodeOnlyRecovery   bool
	AllowMultipleLRC          bool
	// 提交不含任何资源的事务时输出告警
	WarnAboutZeroResourceTransaction bool
	// 记录事务开启时的调用栈，随零资源告警一起输出
	DebugZeroResourceTransaction bool
	ErrorAnalyzer                xa.ErrorAnalyzer
	// 集群恢复锁，为空时不加锁
	RecoveryLocker recovery.Locker
	// phase 执行时等待单个分支的轮询间隔
	PollInterval time.Duration
}

type Option func(*Options)

func WithServerID(serverID string) Option {
	return func(o *Options) {
		o.ServerID = serverID
	}
}

func WithJournal(j journal.Journal) Option {
	return func(o *Options) {
		o.Journal = j
	}
}

func WithExecutor(exec executor.Executor) Option {
	return func(o *Options) {
		o.Executor = exec
	}
}

func WithDefaultTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return func(o *Options) {
		o.DefaultTimeout = timeout
	}
}

func WithGracefulShutdownInterval(interval time.Duration) Option {
	if interval < 0 {
		interval = 0
	}

	return func(o *Options) {
		o.GracefulShutdownInterval = interval
	}
}

func WithRecoveryInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = time.Minute
	}

	return func(o *Options) {
		o.RecoveryInterval = interval
	}
}

func WithoutBackgroundRecovery() Option {
	return func(o *Options) {
		o.DisableBackgroundRecovery = true
	}
}

func WithCurrentNodeOnlyRecovery(currentNodeOnly bool) Option {
	return func(o *Options) {
		o.CurrentNodeOnlyRecovery = currentNodeOnly
	}
}

func WithAllowMultipleLRC(allow bool) Option {
	return func(o *Options) {
		o.AllowMultipleLRC = allow
	}
}

func WithZeroResourceTransactionWarning(warn, debug bool) Option {
	return func(o *Options) {
		o.WarnAboutZeroResourceTransaction = warn
		o.DebugZeroResourceTransaction = debug
	}
}

func WithErrorAnalyzer(analyzer xa.ErrorAnalyzer) Option {
	return func(o *Options) {
		o.ErrorAnalyzer = analyzer
	}
}

func WithRecoveryLocker(locker recovery.Locker) Option {
	return func(o *Options) {
		o.RecoveryLocker = locker
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.PollInterval = interval
	}
}

func repair(o *Options) {
	if o.Journal == nil {
		o.Journal = journal.NewNullJournal()
	}

	if o.Executor == nil {
		o.Executor = executor.NewSync()
	}

	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 60 * time.Second
	}

	if o.RecoveryInterval <= 0 {
		o.RecoveryInterval = time.Minute
	}

	if o.ErrorAnalyzer == nil {
		o.ErrorAnalyzer = xa.DefaultErrorAnalyzer
	}

	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
}

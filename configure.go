package goxa

import (
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/config"
	"github.com/xiaoxuxiansheng/goxa/executor"
	"github.com/xiaoxuxiansheng/goxa/journal"
	"github.com/xiaoxuxiansheng/goxa/journal/sqljournal"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recovery"
)

// NewTransactionManagerFromConfig 按配置构造日志、执行器与默认日志实现，opts 可以覆盖配置项
func NewTransactionManagerFromConfig(cfg *config.Configuration, opts ...Option) (*TransactionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(
		log.WithLogLevel(cfg.Log.Level),
		log.WithFileName(cfg.Log.FileName),
		log.WithMaxAge(cfg.Log.MaxAge),
		log.WithMaxSize(cfg.Log.MaxSize),
		log.WithMaxBackups(cfg.Log.MaxBackups),
		log.WithCompress(cfg.Log.Compress),
	)))

	j, err := NewJournal(cfg)
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(cfg.Executor, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	base := []Option{
		WithServerID(cfg.ServerID),
		WithJournal(j),
		WithExecutor(exec),
		WithDefaultTimeout(cfg.DefaultTransactionTimeout),
		WithGracefulShutdownInterval(cfg.GracefulShutdownInterval),
		WithCurrentNodeOnlyRecovery(cfg.CurrentNodeOnlyRecovery),
		WithAllowMultipleLRC(cfg.AllowMultipleLRC),
		WithZeroResourceTransactionWarning(cfg.WarnAboutZeroResourceTransaction, cfg.DebugZeroResourceTransaction),
	}
	if cfg.BackgroundRecoveryInterval > 0 {
		base = append(base, WithRecoveryInterval(cfg.BackgroundRecoveryInterval))
	} else {
		base = append(base, WithoutBackgroundRecovery())
	}
	return NewTransactionManager(append(base, opts...)...)
}

// NewJournal 按配置构造日志实现
func NewJournal(cfg *config.Configuration) (journal.Journal, error) {
	switch cfg.Journal {
	case config.JournalDisk:
		return journal.NewDiskJournal(cfg.LogPart1Filename, cfg.LogPart2Filename,
			journal.WithMaxSize(cfg.MaxLogSize()),
			journal.WithForcedWrite(cfg.ForcedWriteEnabled),
			journal.WithSkipCorrupted(cfg.SkipCorruptedLogs),
			journal.WithFilterLogStatus(cfg.FilterLogStatus),
		), nil
	case config.JournalNull:
		log.Warnf("null journal configured, transactions will not survive a crash")
		return journal.NewNullJournal(), nil
	case config.JournalSQL:
		return sqljournal.Open(cfg.SQLJournalDSN, sqljournal.WithFilterLogStatus(cfg.FilterLogStatus))
	default:
		return nil, fmt.Errorf("unknown journal %q", cfg.Journal)
	}
}

// NewRecoveryLocker 配置了恢复锁 key 时基于 redis 构造集群恢复锁
func NewRecoveryLocker(cfg *config.Configuration, network, address, password string) recovery.Locker {
	if cfg.RecoveryLockKey == "" {
		return nil
	}
	return recovery.NewRedisLocker(recovery.NewRedisClient(network, address, password), cfg.RecoveryLockKey)
}

// Package goxa 基于 XA 两阶段提交协议的分布式事务管理器.
package goxa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/recovery"
	"github.com/xiaoxuxiansheng/goxa/scheduler"
	"github.com/xiaoxuxiansheng/goxa/twopc"
	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 1. 资源注册模块
// 2. 事务状态机与两阶段提交引擎
// 3. 事务日志与恢复流程
type TransactionManager struct {
	ctx            context.Context
	stop           context.CancelFunc
	opts           *Options
	generator      *uid.Generator
	registryCenter *registryCenter
	engine         *twopc.Engine
	recoverer      *recovery.Recoverer
	scheduler      *scheduler.Scheduler
	metrics        *metrics

	mux          sync.RWMutex
	inFlight     map[uid.Uid]*Transaction
	shuttingDown bool
	loop         sync.WaitGroup
}

// compactor 支持清理已完成记录的日志实现
type compactor interface {
	Compact(ctx context.Context) error
}

func NewTransactionManager(opts ...Option) (*TransactionManager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	tm := TransactionManager{
		ctx:            ctx,
		stop:           cancel,
		opts:           &Options{},
		registryCenter: newRegistryCenter(),
		scheduler:      scheduler.New(),
		metrics:        newMetrics(),
		inFlight:       make(map[uid.Uid]*Transaction),
	}

	for _, opt := range opts {
		opt(tm.opts)
	}

	repair(tm.opts)

	tm.generator = uid.NewGenerator(tm.opts.ServerID)
	tm.engine = twopc.NewEngine(tm.opts.Executor,
		twopc.WithPollInterval(tm.opts.PollInterval),
		twopc.WithErrorAnalyzer(tm.opts.ErrorAnalyzer),
	)
	recoveryOpts := []recovery.Option{
		recovery.WithErrorAnalyzer(tm.opts.ErrorAnalyzer),
		recovery.WithInFlight(tm.isInFlight),
	}
	if tm.opts.CurrentNodeOnlyRecovery {
		recoveryOpts = append(recoveryOpts, recovery.WithCurrentNodeOnly(tm.generator.ServerID()))
	}
	tm.recoverer = recovery.New(tm.opts.Journal, recoveryOpts...)

	if err := tm.opts.Journal.Open(ctx); err != nil {
		cancel()
		tm.scheduler.Stop()
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}

	if !tm.opts.DisableBackgroundRecovery {
		tm.loop.Add(1)
		go tm.run()
	}
	log.Infof("transaction manager started with server id %s", tm.generator.ServerID())
	return &tm, nil
}

// Register 注册资源，并对该资源执行一次增量恢复. 恢复失败时资源不会被注册.
func (t *TransactionManager) Register(ctx context.Context, res xa.Resource, opts ...ResourceOption) error {
	reg, err := t.registryCenter.register(res, opts...)
	if err != nil {
		return err
	}

	report, err := t.recoverer.Run(ctx, reg.target())
	if errors.Is(err, recovery.ErrInProgress) {
		log.WarnContextf(ctx, "recovery in progress while registering resource %s, it will be recovered in the next run", res.UniqueName())
		return nil
	}
	if err != nil {
		t.registryCenter.unregister(res.UniqueName())
		return fmt.Errorf("cannot register resource %s, incremental recovery failed: %w", res.UniqueName(), err)
	}
	t.metrics.recordRecovery(ctx, report)
	return nil
}

func (t *TransactionManager) Unregister(name string) bool {
	return t.registryCenter.unregister(name)
}

// NewScope 构造一个未绑定事务的 Scope
func (t *TransactionManager) NewScope() *Scope {
	return &Scope{tm: t}
}

// Begin 开启一笔使用默认超时时间、不绑定 Scope 的事务
func (t *TransactionManager) Begin(ctx context.Context) (*Transaction, error) {
	return t.begin(ctx, t.opts.DefaultTimeout)
}

func (t *TransactionManager) begin(ctx context.Context, timeout time.Duration) (*Transaction, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.shuttingDown {
		return nil, ErrShuttingDown
	}

	tx := newTransaction(t, timeout)
	tx.begin(ctx)
	t.inFlight[tx.gtrid] = tx
	t.metrics.recordBegin(ctx)
	return tx, nil
}

func (t *TransactionManager) release(tx *Transaction) {
	t.mux.Lock()
	defer t.mux.Unlock()
	delete(t.inFlight, tx.gtrid)
}

func (t *TransactionManager) isInFlight(gtrid uid.Uid) bool {
	t.mux.RLock()
	defer t.mux.RUnlock()
	_, ok := t.inFlight[gtrid]
	return ok
}

// InFlightCount 尚未到达终态的事务数量
func (t *TransactionManager) InFlightCount() int {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return len(t.inFlight)
}

// Recover 对所有注册的资源执行一轮恢复
func (t *TransactionManager) Recover(ctx context.Context) (*recovery.Report, error) {
	report, err := t.recoverer.Run(ctx, t.registryCenter.targets()...)
	t.metrics.recordRecovery(ctx, report)
	if err != nil {
		return report, err
	}

	if c, ok := t.opts.Journal.(compactor); ok {
		if err := c.Compact(ctx); err != nil {
			log.WarnContextf(ctx, "cannot compact journal after recovery: %v", err)
		}
	}
	return report, nil
}

// Shutdown 拒绝新事务，等待进行中的事务完成后关闭后台任务、执行器与日志
func (t *TransactionManager) Shutdown(ctx context.Context) error {
	t.mux.Lock()
	if t.shuttingDown {
		t.mux.Unlock()
		return nil
	}
	t.shuttingDown = true
	t.mux.Unlock()

	t.waitInFlight(ctx)

	t.stop()
	t.loop.Wait()
	t.scheduler.Stop()
	t.opts.Executor.Shutdown()
	if err := t.opts.Journal.Close(); err != nil {
		return fmt.Errorf("cannot close journal: %w", err)
	}
	log.Infof("transaction manager shut down")
	return nil
}

func (t *TransactionManager) waitInFlight(ctx context.Context) {
	if t.opts.GracefulShutdownInterval <= 0 || t.InFlightCount() == 0 {
		return
	}

	log.InfoContextf(ctx, "graceful transaction manager shutdown, waiting for %d in-flight transaction(s)", t.InFlightCount())
	timer := time.NewTimer(t.opts.GracefulShutdownInterval)
	defer timer.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for t.InFlightCount() > 0 {
		select {
		case <-ctx.Done():
			log.WarnContextf(ctx, "shutdown interrupted with %d in-flight transaction(s) left", t.InFlightCount())
			return
		case <-timer.C:
			log.WarnContextf(ctx, "still %d in-flight transaction(s) left after graceful shutdown interval", t.InFlightCount())
			return
		case <-ticker.C:
		}
	}
}

func (t *TransactionManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := t.opts.RecoveryInterval << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (t *TransactionManager) run() {
	defer t.loop.Done()
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = t.opts.RecoveryInterval
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return

		case <-time.After(tick):
			err = t.backgroundRecover()
		}
	}
}

func (t *TransactionManager) backgroundRecover() error {
	locker := t.opts.RecoveryLocker
	if locker != nil {
		// 加锁，避免多个节点的恢复任务同时执行
		if err := locker.Lock(t.ctx, t.opts.RecoveryInterval); err != nil {
			// 取锁失败时（大概率被其他节点占有），不对 tick 进行退避升级
			log.DebugContextf(t.ctx, "cannot acquire recovery lock: %v", err)
			return nil
		}
		defer func() {
			if err := locker.Unlock(t.ctx); err != nil {
				log.WarnContextf(t.ctx, "cannot release recovery lock: %v", err)
			}
		}()
	}

	_, err := t.Recover(t.ctx)
	if errors.Is(err, recovery.ErrInProgress) {
		return nil
	}
	if err != nil {
		log.ErrorContextf(t.ctx, "background recovery failed: %v", err)
	}
	return err
}

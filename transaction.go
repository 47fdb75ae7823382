package goxa

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goxa/branch"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/scheduler"
	"github.com/xiaoxuxiansheng/goxa/twopc"
	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Transaction 一笔全局事务. 同一时刻只应被一个执行上下文持有，
// 可以在一个协程中开启，在另一个协程中提交.
type Transaction struct {
	tm       *TransactionManager
	gtrid    uid.Uid
	registry *branch.Registry
	status   atomic.Int32

	// 串行化 enlist / commit / rollback
	mux         sync.Mutex
	timeout     time.Duration
	deadline    time.Time
	timedOut    atomic.Bool
	timeoutTask *scheduler.Task
	syncs       synchronizations
	completed   bool
	// 开启事务时的调用栈
	activation []byte
}

func newTransaction(tm *TransactionManager, timeout time.Duration) *Transaction {
	gtrid := tm.generator.Generate()
	t := Transaction{
		tm:       tm,
		gtrid:    gtrid,
		registry: branch.NewRegistry(gtrid, tm.generator.Generate, tm.opts.AllowMultipleLRC),
		timeout:  timeout,
	}
	t.status.Store(int32(StatusNoTransaction))
	return &t
}

// begin NO_TRANSACTION -> ACTIVE，开始超时倒计时
func (t *Transaction) begin(ctx context.Context) {
	if t.tm.opts.DebugZeroResourceTransaction {
		t.activation = debug.Stack()
	}
	t.status.Store(int32(StatusActive))
	t.deadline = time.Now().Add(t.timeout)
	t.timeoutTask = t.tm.scheduler.Schedule(fmt.Sprintf("timeout of %s", t.gtrid), t.deadline, func(context.Context) {
		t.expire()
	})
	log.DebugContextf(ctx, "began %s with a timeout of %s", t, t.timeout)
}

// expire 由调度器在超时时刻调用，进行中的提交不会被打断
func (t *Transaction) expire() {
	t.timedOut.Store(true)
	if t.status.CompareAndSwap(int32(StatusActive), int32(StatusMarkedRollback)) {
		log.Warnf("%s timed out, marked as rollback only", t)
	}
}

func (t *Transaction) Gtrid() uid.Uid {
	return t.gtrid
}

func (t *Transaction) Status() Status {
	return Status(t.status.Load())
}

func (t *Transaction) Deadline() time.Time {
	return t.deadline
}

func (t *Transaction) TimedOut() bool {
	return t.timedOut.Load()
}

// Branches 当前加入事务的全部分支
func (t *Transaction) Branches() []*branch.Branch {
	return t.registry.All()
}

func (t *Transaction) String() string {
	return fmt.Sprintf("a goxa transaction with GTRID [%s], status=%s, %d resource(s) enlisted", t.gtrid, t.Status(), t.registry.Size())
}

func (t *Transaction) done() bool {
	status := t.Status()
	return status.IsTerminal() || status == StatusUnknown
}

// Enlist 将注册过的资源加入事务
func (t *Transaction) Enlist(ctx context.Context, res xa.Resource) (*branch.Branch, error) {
	t.mux.Lock()
	defer t.mux.Unlock()

	switch status := t.Status(); status {
	case StatusActive:
	case StatusMarkedRollback:
		if t.TimedOut() {
			return nil, ErrTimedOut
		}
		return nil, ErrMarkedRollback
	default:
		return nil, illegalState("cannot enlist resource %s in %s", res.UniqueName(), t)
	}

	reg, err := t.tm.registryCenter.get(res.UniqueName())
	if err != nil {
		return nil, err
	}
	return t.registry.Enlist(ctx, res, reg.enlistOptions())
}

// Delist 结束资源在事务中的分支，以 TMFAIL 结束会把事务标记为只能回滚
func (t *Transaction) Delist(ctx context.Context, res xa.Resource, flags xa.Flag) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	b := t.registry.Find(res)
	if b == nil {
		return fmt.Errorf("%w: %s is not enlisted in %s", ErrUnknownResource, res.UniqueName(), t)
	}
	if err := t.registry.Delist(ctx, b, flags); err != nil {
		return err
	}
	if flags == xa.TMFail {
		t.status.CompareAndSwap(int32(StatusActive), int32(StatusMarkedRollback))
	}
	return nil
}

// RegisterSynchronization 注册事务完成前后的回调
func (t *Transaction) RegisterSynchronization(sync Synchronization, priority int) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	switch status := t.Status(); status {
	case StatusActive, StatusMarkedRollback:
	default:
		return illegalState("cannot register synchronization in %s", t)
	}
	t.syncs.add(sync, priority)
	return nil
}

// SetRollbackOnly 标记事务只能回滚，提交或回滚进行中时返回错误
func (t *Transaction) SetRollbackOnly() error {
	if t.status.CompareAndSwap(int32(StatusActive), int32(StatusMarkedRollback)) {
		log.Debugf("%s marked as rollback only", t)
		return nil
	}
	if t.Status() == StatusMarkedRollback {
		return nil
	}
	return illegalState("cannot mark %s as rollback only", t)
}

// Commit 提交事务.
// 返回 nil 表示事务已提交；*RollbackError 表示事务已回滚；*HeuristicError 表示一阶段提交的结果无法确定.
// 全局决定之后单个分支的提交失败不会返回给调用方，留给恢复流程处理.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	switch status := t.Status(); status {
	case StatusActive, StatusMarkedRollback:
	default:
		return illegalState("cannot commit %s", t)
	}

	started := time.Now()
	defer t.complete(ctx, started)
	if t.TimedOut() {
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: ErrTimedOut}
	}
	if t.Status() == StatusMarkedRollback {
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: ErrMarkedRollback}
	}

	if err := t.syncs.beforeCompletion(ctx); err != nil {
		log.WarnContextf(ctx, "synchronization failed before completion of %s, rolling back: %v", t, err)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}
	// 回调中可能标记了只能回滚，超时任务也可能在此期间触发
	if t.Status() == StatusMarkedRollback {
		cause := t.abortCause(ErrMarkedRollback)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: cause}
	}

	if err := t.registry.DelistAll(ctx, xa.TMSuccess); err != nil {
		log.ErrorContextf(ctx, "cannot end resources of %s, rolling back: %v", t, err)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}

	switch t.registry.Size() {
	case 0:
		return t.commitZeroResource(ctx)
	case 1:
		return t.commitOnePhase(ctx)
	default:
		return t.commitTwoPhase(ctx)
	}
}

func (t *Transaction) commitZeroResource(ctx context.Context) error {
	if t.tm.opts.WarnAboutZeroResourceTransaction {
		if t.activation != nil {
			log.WarnContextf(ctx, "committing %s without any enlisted resource, it was begun at:\n%s", t, t.activation)
		} else {
			log.WarnContextf(ctx, "committing %s without any enlisted resource", t)
		}
	}
	if err := t.setStatus(ctx, StatusCommitted, nil); err != nil {
		log.ErrorContextf(ctx, "cannot log committed status of %s: %v", t, err)
	}
	return nil
}

func (t *Transaction) commitOnePhase(ctx context.Context) error {
	b := t.registry.All()[0]
	names := []string{b.UniqueName()}
	if err := t.setStatus(ctx, StatusCommitting, names); err != nil {
		cause := t.abortCause(err)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: cause}
	}

	err := t.tm.engine.CommitOnePhase(ctx, b)
	if err == nil {
		if err := t.setStatus(ctx, StatusCommitted, names); err != nil {
			log.ErrorContextf(ctx, "cannot log committed status of %s: %v", t, err)
		}
		return nil
	}

	if code, ok := xa.CodeOf(err); ok && code.IsRollback() {
		log.InfoContextf(ctx, "%s rolled back during one phase commit: %v", b, err)
		b.SetState(branch.StateRolledBack)
		if err := t.setStatus(ctx, StatusRolledBack, names); err != nil {
			log.ErrorContextf(ctx, "cannot log rolled back status of %s: %v", t, err)
		}
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}
	log.ErrorContextf(ctx, "one phase commit of %s failed, outcome unknown, error=%s: %v", b, xa.DecodeErrorCode(err), err)
	t.tm.metrics.recordHeuristic(ctx, twopc.PhaseCommit)
	if err := t.setStatus(ctx, StatusUnknown, names); err != nil {
		log.ErrorContextf(ctx, "cannot log unknown status of %s: %v", t, err)
	}
	return &HeuristicError{Gtrid: t.gtrid, Cause: err}
}

func (t *Transaction) commitTwoPhase(ctx context.Context) error {
	if err := t.setStatus(ctx, StatusPreparing, t.registry.UniqueNames()); err != nil {
		cause := t.abortCause(err)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: cause}
	}

	interested, err := t.tm.engine.Prepare(ctx, t.registry)
	if err != nil {
		t.tm.engine.LogFailedBranches(ctx, err)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}
	if err := t.setStatus(ctx, StatusPrepared, t.registry.UniqueNames()); err != nil {
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}

	if t.TimedOut() {
		log.WarnContextf(ctx, "%s timed out during prepare, rolling back", t)
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: ErrTimedOut}
	}

	if len(interested) == 0 {
		log.DebugContextf(ctx, "all resources of %s voted read-only, nothing to commit", t)
		if err := t.setStatus(ctx, StatusCommitted, nil); err != nil {
			log.ErrorContextf(ctx, "cannot log committed status of %s: %v", t, err)
		}
		return nil
	}

	// COMMITTING 落盘即全局提交决定
	interestedNames := branch.UniqueNames(interested)
	if err := t.setStatus(ctx, StatusCommitting, interestedNames); err != nil {
		t.rollbackLocked(ctx)
		return &RollbackError{Gtrid: t.gtrid, Cause: err}
	}
	if err := t.tm.opts.Journal.Force(ctx); err != nil {
		log.ErrorContextf(ctx, "cannot force journal after the commit decision of %s, committing anyway: %v", t, err)
	}

	committed, err := t.tm.engine.Commit(ctx, t.registry, interested)
	if err != nil {
		t.tm.engine.LogFailedBranches(ctx, err)
		var phaseErr *twopc.PhaseError
		if errors.As(err, &phaseErr) {
			for _, b := range phaseErr.Branches() {
				if b.State() == branch.StateHeuristic {
					t.tm.metrics.recordHeuristic(ctx, twopc.PhaseCommit)
				}
			}
		}
		log.ErrorContextf(ctx, "%s committed with unresolved branch(es), recovery will retry them: %v", t, err)
	}
	if err := t.setStatus(ctx, StatusCommitted, committed); err != nil {
		log.ErrorContextf(ctx, "cannot log committed status of %s: %v", t, err)
	}
	return nil
}

// Rollback 回滚事务，全局决定之后单个分支的回滚失败只记录日志
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mux.Lock()
	defer t.mux.Unlock()

	switch status := t.Status(); status {
	case StatusActive, StatusMarkedRollback:
	default:
		return illegalState("cannot rollback %s", t)
	}

	defer t.complete(ctx, time.Now())
	t.rollbackLocked(ctx)
	return nil
}

func (t *Transaction) rollbackLocked(ctx context.Context) {
	if err := t.registry.DelistAll(ctx, xa.TMSuccess); err != nil {
		log.WarnContextf(ctx, "error ending resources of %s before rollback: %v", t, err)
	}
	names := t.registry.UniqueNames()
	if err := t.setStatus(ctx, StatusRollingBack, names); err != nil {
		log.ErrorContextf(ctx, "cannot log rolling back status of %s: %v", t, err)
	}
	if _, err := t.tm.engine.Rollback(ctx, t.registry); err != nil {
		t.tm.engine.LogFailedBranches(ctx, err)
		log.ErrorContextf(ctx, "%s rolled back with unresolved branch(es), recovery will retry them: %v", t, err)
	}
	if err := t.setStatus(ctx, StatusRolledBack, names); err != nil {
		log.ErrorContextf(ctx, "cannot log rolled back status of %s: %v", t, err)
		// 回滚阶段已经执行，日志写入失败时同样进入终态，未覆盖的分支由恢复流程处理
		t.status.Store(int32(StatusRolledBack))
	}
}

// abortCause 超时任务已经把事务标记为只能回滚时，统一报告为 ErrTimedOut
func (t *Transaction) abortCause(err error) error {
	if t.TimedOut() && t.Status() == StatusMarkedRollback {
		return ErrTimedOut
	}
	return err
}

// setStatus 先落盘再迁移状态. 终态即使落盘失败也会迁移，未覆盖的分支由恢复流程处理
func (t *Transaction) setStatus(ctx context.Context, status Status, uniqueNames []string) error {
	from := t.Status()
	if !canTransition(from, status) {
		return illegalState("cannot move %s from %s to %s", t.gtrid, from, status)
	}
	if err := t.tm.opts.Journal.Log(ctx, status, t.gtrid, uniqueNames); err != nil {
		if status.IsTerminal() || status == StatusUnknown {
			t.status.Store(int32(status))
		}
		return fmt.Errorf("cannot log status %s of %s: %w", status, t.gtrid, err)
	}
	t.status.Store(int32(status))
	return nil
}

// complete 到达终态后只执行一次：取消超时任务、执行 AfterCompletion 回调、从进行中事务中移除
func (t *Transaction) complete(ctx context.Context, started time.Time) {
	if !t.done() || t.completed {
		return
	}
	t.completed = true
	if t.timeoutTask != nil {
		t.timeoutTask.Cancel()
	}

	status := t.Status()
	log.DebugContextf(ctx, "%s completed", t)
	t.syncs.afterCompletion(ctx, status)
	t.tm.release(t)
	t.tm.metrics.recordCompletion(ctx, status, started)
}

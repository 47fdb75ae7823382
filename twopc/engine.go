package twopc

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/xiaoxuxiansheng/goxa/branch"
	"github.com/xiaoxuxiansheng/goxa/executor"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type EngineOptions struct {
	// 等待单个任务完成时每次阻塞的时长
	PollInterval time.Duration
	// 从资源错误中提取额外的诊断信息
	ErrorAnalyzer xa.ErrorAnalyzer
}

type EngineOption func(*EngineOptions)

func WithPollInterval(interval time.Duration) EngineOption {
	return func(o *EngineOptions) {
		o.PollInterval = interval
	}
}

func WithErrorAnalyzer(analyzer xa.ErrorAnalyzer) EngineOption {
	return func(o *EngineOptions) {
		o.ErrorAnalyzer = analyzer
	}
}

func repair(o *EngineOptions) {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ErrorAnalyzer == nil {
		o.ErrorAnalyzer = xa.DefaultErrorAnalyzer
	}
}

// Engine 按照顺位对分支执行 prepare / commit / rollback.
// 同一顺位的分支交给执行器并发执行，某个顺位出现失败后不再推进后续顺位.
type Engine struct {
	executor executor.Executor
	opts     EngineOptions
}

func NewEngine(exec executor.Executor, opts ...EngineOption) *Engine {
	e := Engine{executor: exec}
	for _, opt := range opts {
		opt(&e.opts)
	}
	repair(&e.opts)
	return &e
}

type job func(ctx context.Context, b *branch.Branch) error

func (e *Engine) executePhase(ctx context.Context, phase string, groups [][]*branch.Branch, participating func(*branch.Branch) bool, j job) error {
	log.DebugContextf(ctx, "executing %s phase on %d position(s)", phase, len(groups))

	for _, group := range groups {
		results := make([]*Result, 0, len(group))
		futures := make([]executor.Future, 0, len(group))
		for _, b := range group {
			if !participating(b) {
				log.DebugContextf(ctx, "skipping not participating %s", b)
				continue
			}
			// shadow
			b := b
			res := Result{Branch: b}
			futures = append(futures, e.executor.Submit(func() {
				res.Err = e.run(ctx, b, j)
			}))
			results = append(results, &res)
		}

		for _, f := range futures {
			for !e.executor.IsDone(f) {
				e.executor.WaitFor(f, e.opts.PollInterval)
			}
		}

		var failed []Result
		for _, res := range results {
			if res.Err == nil {
				continue
			}
			log.DebugContextf(ctx, "error executing %s on %s, errorCode=%s%s", phase, res.Branch, xa.DecodeErrorCode(res.Err), e.extraDetails(res.Err))
			failed = append(failed, *res)
		}
		if len(failed) > 0 {
			log.DebugContextf(ctx, "%d error(s) happened during %s phase, stopping", len(failed), phase)
			return &PhaseError{Phase: phase, Results: failed}
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, b *branch.Branch, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Value: r, Stack: debug.Stack()}
		}
	}()
	return j(ctx, b)
}

func (e *Engine) extraDetails(err error) string {
	if extra := e.opts.ErrorAnalyzer(err); extra != "" {
		return ", extra error=" + extra
	}
	return ""
}

// LogFailedBranches 将阶段失败中的每个分支错误输出到日志
func (e *Engine) LogFailedBranches(ctx context.Context, err error) {
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) {
		log.ErrorContextf(ctx, "phase failed: %v", err)
		return
	}
	for _, res := range phaseErr.Results {
		log.ErrorContextf(ctx, "resource %s failed on %s: %v%s", res.Branch.UniqueName(), res.Branch.Xid(), res.Err, e.extraDetails(res.Err))
	}
}

// forget 通知资源忘记启发式决定，失败只记录日志
func (e *Engine) forget(ctx context.Context, b *branch.Branch) bool {
	if err := b.Resource().Forget(ctx, b.Xid()); err != nil {
		log.ErrorContextf(ctx, "cannot forget %s, error=%s%s", b, xa.DecodeErrorCode(err), e.extraDetails(err))
		return false
	}
	return true
}

// Package recovery 在重启或周期性任务中解决资源上残留的 in-doubt 分支.
// journal 中处于 dangling 状态的 GTRID 对应的分支被提交，其余分支被回滚.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/goxa/journal"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// ErrInProgress 上一轮恢复尚未结束
var ErrInProgress = errors.New("recovery already in progress")

// Target 一个参与恢复的资源
type Target struct {
	Resource xa.Resource
	// 扫描失败时不上报错误
	IgnoreRecoveryFailures bool
}

// Report 一轮恢复的结果
type Report struct {
	Committed  int
	RolledBack int
	Failed     int
}

func (r *Report) String() string {
	return fmt.Sprintf("committed %d dangling branch(es), rolled back %d aborted branch(es), %d failure(s)", r.Committed, r.RolledBack, r.Failed)
}

type Options struct {
	// 仅恢复本节点生成的分支
	CurrentNodeOnly bool
	ServerID        []byte
	ErrorAnalyzer   xa.ErrorAnalyzer
	// 判断 GTRID 对应的事务是否仍在本节点运行
	InFlight func(gtrid uid.Uid) bool
}

type Option func(*Options)

func WithCurrentNodeOnly(serverID []byte) Option {
	return func(o *Options) {
		o.CurrentNodeOnly = true
		o.ServerID = serverID
	}
}

func WithErrorAnalyzer(analyzer xa.ErrorAnalyzer) Option {
	return func(o *Options) {
		o.ErrorAnalyzer = analyzer
	}
}

func WithInFlight(inFlight func(gtrid uid.Uid) bool) Option {
	return func(o *Options) {
		o.InFlight = inFlight
	}
}

func repair(o *Options) {
	if o.ErrorAnalyzer == nil {
		o.ErrorAnalyzer = xa.DefaultErrorAnalyzer
	}
	if o.InFlight == nil {
		o.InFlight = func(uid.Uid) bool { return false }
	}
}

// Recoverer 执行恢复流程，同一时刻只允许一轮恢复
type Recoverer struct {
	opts    *Options
	journal journal.Journal
	running atomic.Bool
	runs    atomic.Int64
}

func New(j journal.Journal, opts ...Option) *Recoverer {
	r := Recoverer{
		opts:    &Options{},
		journal: j,
	}
	for _, opt := range opts {
		opt(r.opts)
	}
	repair(r.opts)
	return &r
}

// Runs 已经完成的恢复轮数
func (r *Recoverer) Runs() int64 {
	return r.runs.Load()
}

// Running 当前是否有恢复正在进行
func (r *Recoverer) Running() bool {
	return r.running.Load()
}

// Run 对 targets 执行一轮恢复. 返回的错误聚合了各个资源的扫描失败，
// 单个分支的提交、回滚失败只记录日志并计入 Report.Failed.
func (r *Recoverer) Run(ctx context.Context, targets ...Target) (*Report, error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer r.running.Store(false)

	log.InfoContextf(ctx, "recovery committing dangling transactions on %d resource(s)", len(targets))
	dangling, err := r.journal.CollectDanglingRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot collect dangling records from the journal: %w", err)
	}
	log.DebugContextf(ctx, "found %d dangling record(s) in the journal", len(dangling))

	s := scanner{
		currentNodeOnly: r.opts.CurrentNodeOnly,
		serverID:        r.opts.ServerID,
	}
	var scanErr error
	scanned := make(map[string]Target, len(targets))
	recovered := make(map[string][]xa.Xid, len(targets))
	for _, target := range targets {
		name := target.Resource.UniqueName()
		xids, err := s.scan(ctx, target)
		if err != nil {
			log.ErrorContextf(ctx, "error running recovery on resource %s: %v", name, err)
			scanErr = multierr.Append(scanErr, fmt.Errorf("cannot recover resource %s: %w", name, err))
			continue
		}
		scanned[name] = target
		recovered[name] = xids
	}

	var report Report
	if err := r.commitDangling(ctx, dangling, scanned, recovered, &report); err != nil {
		scanErr = multierr.Append(scanErr, err)
	}
	r.rollbackAborted(ctx, dangling, scanned, recovered, &report)

	r.runs.Inc()
	log.InfoContextf(ctx, "recovery %s", &report)
	return &report, scanErr
}

func (r *Recoverer) commitDangling(ctx context.Context, dangling map[uid.Uid]*journal.Record, scanned map[string]Target,
	recovered map[string][]xa.Xid, report *Report) error {
	var errs error
	for gtrid, record := range dangling {
		var committedNames []string
		for _, name := range record.UniqueNames {
			target, ok := scanned[name]
			if !ok {
				log.DebugContextf(ctx, "dangling transaction %s references resource %s which was not recovered in this run", gtrid, name)
				continue
			}

			ok = true
			for _, xid := range recovered[name] {
				if !xid.Gtrid().Equal(gtrid) {
					continue
				}
				log.InfoContextf(ctx, "committing dangling branch %s on resource %s", xid, name)
				if resolve(ctx, commitOutcome, target.Resource, xid, r.opts.ErrorAnalyzer) {
					report.Committed++
					continue
				}
				report.Failed++
				ok = false
			}
			if ok {
				committedNames = append(committedNames, name)
			}
		}

		if len(committedNames) == 0 {
			continue
		}
		log.DebugContextf(ctx, "updating journal for dangling transaction %s, committed resource(s) %v", gtrid, committedNames)
		if err := r.journal.Log(ctx, journal.StatusCommitted, gtrid, committedNames); err != nil {
			log.ErrorContextf(ctx, "cannot update journal for dangling transaction %s: %v", gtrid, err)
			errs = multierr.Append(errs, fmt.Errorf("cannot log committed status of %s: %w", gtrid, err))
		}
	}
	return errs
}

func (r *Recoverer) rollbackAborted(ctx context.Context, dangling map[uid.Uid]*journal.Record, scanned map[string]Target,
	recovered map[string][]xa.Xid, report *Report) {
	for name, xids := range recovered {
		target := scanned[name]
		for _, xid := range xids {
			if _, ok := dangling[xid.Gtrid()]; ok {
				continue
			}
			if r.opts.InFlight(xid.Gtrid()) {
				log.DebugContextf(ctx, "skipping in-flight branch %s on resource %s", xid, name)
				continue
			}
			log.InfoContextf(ctx, "rolling back aborted branch %s on resource %s", xid, name)
			if resolve(ctx, rollbackOutcome, target.Resource, xid, r.opts.ErrorAnalyzer) {
				report.RolledBack++
				continue
			}
			report.Failed++
		}
	}
}

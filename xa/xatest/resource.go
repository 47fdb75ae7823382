// Package xatest 提供记录所有协议调用的内存资源，供各个包的测试使用.
package xatest

import (
	"context"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Op string

const (
	OpStart    Op = "start"
	OpEnd      Op = "end"
	OpPrepare  Op = "prepare"
	OpCommit   Op = "commit"
	OpRollback Op = "rollback"
	OpForget   Op = "forget"
	OpRecover  Op = "recover"
)

// Event 一次协议调用
type Event struct {
	Resource string
	Op       Op
	Xid      xa.Xid
	Flags    xa.Flag
	OnePhase bool
}

// Recorder 多个资源共享的调用记录，用于断言跨资源的调用顺序
type Recorder struct {
	mux    sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(e Event) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter 按操作类型过滤调用记录
func (r *Recorder) Filter(op Op) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// Count 统计某个资源上某类操作的调用次数，name 为空时统计全部资源
func (r *Recorder) Count(name string, op Op) int {
	var n int
	for _, e := range r.Events() {
		if e.Op == op && (name == "" || e.Resource == name) {
			n++
		}
	}
	return n
}

// Resource 内存实现的 xa.Resource
type Resource struct {
	name     string
	rm       string
	recorder *Recorder

	mux         sync.Mutex
	vote        xa.Vote
	errs        map[Op]error
	panics      map[Op]interface{}
	inDoubt     map[xa.Xid]struct{}
	emulated    bool
	prepareHook func(xid xa.Xid)
}

// NewResource rm 相同的资源被视为同一个资源管理器
func NewResource(name, rm string, recorder *Recorder) *Resource {
	if recorder == nil {
		recorder = NewRecorder()
	}
	return &Resource{
		name:     name,
		rm:       rm,
		recorder: recorder,
		errs:     make(map[Op]error),
		panics:   make(map[Op]interface{}),
		inDoubt:  make(map[xa.Xid]struct{}),
	}
}

func (r *Resource) Recorder() *Recorder {
	return r.recorder
}

// SetError 令后续的某类操作返回 err，err 为 nil 时恢复正常
func (r *Resource) SetError(op Op, err error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if err == nil {
		delete(r.errs, op)
		return
	}
	r.errs[op] = err
}

// SetPanic 令后续的某类操作 panic
func (r *Resource) SetPanic(op Op, v interface{}) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.panics[op] = v
}

func (r *Resource) SetVote(vote xa.Vote) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.vote = vote
}

func (r *Resource) SetEmulated(emulated bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.emulated = emulated
}

// OnPrepare 在 prepare 调用时执行 hook
func (r *Resource) OnPrepare(hook func(xid xa.Xid)) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.prepareHook = hook
}

// AddInDoubt 模拟资源上残留的 in-doubt 分支
func (r *Resource) AddInDoubt(xids ...xa.Xid) {
	r.mux.Lock()
	defer r.mux.Unlock()
	for _, xid := range xids {
		r.inDoubt[xid] = struct{}{}
	}
}

func (r *Resource) InDoubt() []xa.Xid {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]xa.Xid, 0, len(r.inDoubt))
	for xid := range r.inDoubt {
		out = append(out, xid)
	}
	return out
}

func (r *Resource) Emulated() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.emulated
}

func (r *Resource) UniqueName() string {
	return r.name
}

func (r *Resource) call(op Op, xid xa.Xid, flags xa.Flag, onePhase bool) error {
	r.recorder.add(Event{Resource: r.name, Op: op, Xid: xid, Flags: flags, OnePhase: onePhase})
	r.mux.Lock()
	v, shouldPanic := r.panics[op]
	err := r.errs[op]
	r.mux.Unlock()
	if shouldPanic {
		panic(v)
	}
	return err
}

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	return r.call(OpStart, xid, flags, false)
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	return r.call(OpEnd, xid, flags, false)
}

func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	r.mux.Lock()
	hook := r.prepareHook
	r.mux.Unlock()
	if hook != nil {
		hook(xid)
	}
	if err := r.call(OpPrepare, xid, xa.TMNoFlags, false); err != nil {
		return 0, err
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.vote == xa.VoteOK {
		r.inDoubt[xid] = struct{}{}
	}
	return r.vote, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	flags := xa.TMNoFlags
	if onePhase {
		flags = xa.TMOnePhase
	}
	if err := r.call(OpCommit, xid, flags, onePhase); err != nil {
		return err
	}
	r.resolve(xid)
	return nil
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	if err := r.call(OpRollback, xid, xa.TMNoFlags, false); err != nil {
		return err
	}
	r.resolve(xid)
	return nil
}

func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error {
	if err := r.call(OpForget, xid, xa.TMNoFlags, false); err != nil {
		return err
	}
	r.resolve(xid)
	return nil
}

// Recover STARTRSCAN 返回全部 in-doubt 分支，之后的扫描游标已到末尾
func (r *Resource) Recover(ctx context.Context, flags xa.Flag) ([]xa.Xid, error) {
	if err := r.call(OpRecover, xa.Xid{}, flags, false); err != nil {
		return nil, err
	}
	if flags&xa.TMStartRScan == 0 {
		return nil, nil
	}
	return r.InDoubt(), nil
}

func (r *Resource) IsSameRM(other xa.Resource) (bool, error) {
	o, ok := other.(*Resource)
	if !ok {
		return false, nil
	}
	return o.rm == r.rm, nil
}

func (r *Resource) resolve(xid xa.Xid) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.inDoubt, xid)
}

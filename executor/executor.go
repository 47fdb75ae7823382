package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/xiaoxuxiansheng/goxa/log"
)

const (
	KindSync  = "sync"
	KindAsync = "async"
	KindPool  = "pool"
)

// Future 已提交任务的句柄
type Future interface {
	Done() <-chan struct{}
}

// Executor 执行两阶段提交中各个分支任务的执行器
type Executor interface {
	// Submit 提交任务，返回用于等待的句柄
	Submit(job func()) Future
	// WaitFor 最多等待 timeout 时长
	WaitFor(f Future, timeout time.Duration)
	IsDone(f Future) bool
	Shutdown()
}

// New 根据类型创建执行器
func New(kind string, poolSize int) (Executor, error) {
	switch kind {
	case "", KindSync:
		return NewSync(), nil
	case KindAsync:
		return NewAsync(), nil
	case KindPool:
		return NewPool(poolSize), nil
	default:
		return nil, fmt.Errorf("unknown executor kind: %s", kind)
	}
}

type future struct {
	done chan struct{}
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

func (f *future) finish() {
	close(f.done)
}

func waitFor(f Future, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.Done():
	case <-timer.C:
	}
}

func isDone(f Future) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

// Sync 在提交的协程中直接执行任务
type Sync struct{}

func NewSync() *Sync {
	return &Sync{}
}

func (s *Sync) Submit(job func()) Future {
	f := newFuture()
	defer f.finish()
	job()
	return f
}

func (s *Sync) WaitFor(f Future, timeout time.Duration) {
	waitFor(f, timeout)
}

func (s *Sync) IsDone(f Future) bool {
	return isDone(f)
}

func (s *Sync) Shutdown() {}

// Async 每个任务启动一个协程
type Async struct {
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

func NewAsync() *Async {
	return &Async{}
}

func (a *Async) Submit(job func()) Future {
	f := newFuture()
	if a.shutdown.Load() {
		log.Warnf("async executor is shut down, running job in the caller")
		defer f.finish()
		job()
		return f
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer f.finish()
		job()
	}()
	return f
}

func (a *Async) WaitFor(f Future, timeout time.Duration) {
	waitFor(f, timeout)
}

func (a *Async) IsDone(f Future) bool {
	return isDone(f)
}

// Shutdown 等待已经提交的任务执行完成
func (a *Async) Shutdown() {
	a.shutdown.Store(true)
	a.wg.Wait()
}

// Pool 限制同时执行的任务数量
type Pool struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(int64(size)),
	}
}

func (p *Pool) Submit(job func()) Future {
	f := newFuture()
	if p.shutdown.Load() {
		log.Warnf("pool executor is shut down, running job in the caller")
		defer f.finish()
		job()
		return f
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer f.finish()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// 关闭期间仍需执行已提交的任务
			job()
			return
		}
		defer p.sem.Release(1)
		job()
	}()
	return f
}

func (p *Pool) WaitFor(f Future, timeout time.Duration) {
	waitFor(f, timeout)
}

func (p *Pool) IsDone(f Future) bool {
	return isDone(f)
}

// Shutdown 不再排队等待名额，等待已提交的任务执行完成
func (p *Pool) Shutdown() {
	p.shutdown.Store(true)
	p.cancel()
	p.wg.Wait()
}

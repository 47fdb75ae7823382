package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// Task 一个已经调度的任务
type Task struct {
	name      string
	at        time.Time
	seq       uint64
	f         func(ctx context.Context)
	scheduler *Scheduler
	cancelled atomic.Bool
}

func (t *Task) Less(than btree.Item) bool {
	other := than.(*Task)
	if !t.at.Equal(other.at) {
		return t.at.Before(other.at)
	}
	return t.seq < other.seq
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) At() time.Time {
	return t.at
}

// Cancel 取消尚未执行的任务，返回任务是否在执行前被移除
func (t *Task) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	return t.scheduler.remove(t)
}

// Scheduler 单个协程按时间顺序触发任务，每个到期任务在独立的协程中执行
type Scheduler struct {
	ctx  context.Context
	stop context.CancelFunc
	now  func() time.Time

	mux    sync.Mutex
	queue  *btree.BTree
	seq    uint64
	wakeup chan struct{}

	loop    sync.WaitGroup
	running sync.WaitGroup
}

type Option func(*Scheduler)

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := Scheduler{
		ctx:    ctx,
		stop:   cancel,
		now:    time.Now,
		queue:  btree.New(16),
		wakeup: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(&s)
	}

	s.loop.Add(1)
	go s.run()
	return &s
}

// Schedule 在 at 时刻执行 f，传入的 ctx 在调度器停止时取消
func (s *Scheduler) Schedule(name string, at time.Time, f func(ctx context.Context)) *Task {
	s.mux.Lock()
	s.seq++
	t := Task{
		name:      name,
		at:        at,
		seq:       s.seq,
		f:         f,
		scheduler: s,
	}
	s.queue.ReplaceOrInsert(&t)
	s.mux.Unlock()

	s.signal()
	return &t
}

func (s *Scheduler) ScheduleAfter(name string, delay time.Duration, f func(ctx context.Context)) *Task {
	return s.Schedule(name, s.now().Add(delay), f)
}

// Len 等待触发的任务数量
func (s *Scheduler) Len() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.queue.Len()
}

// Stop 丢弃未触发的任务，等待已触发的任务执行完成
func (s *Scheduler) Stop() {
	s.stop()
	s.loop.Wait()
	s.running.Wait()

	s.mux.Lock()
	defer s.mux.Unlock()
	s.queue.Clear(false)
}

func (s *Scheduler) remove(t *Task) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.queue.Delete(t) != nil
}

func (s *Scheduler) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.loop.Done()
	for {
		s.mux.Lock()
		var timer *time.Timer
		var fire <-chan time.Time
		if item := s.queue.Min(); item != nil {
			t := item.(*Task)
			if wait := t.at.Sub(s.now()); wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			} else {
				s.queue.DeleteMin()
				s.mux.Unlock()
				s.execute(t)
				continue
			}
		}
		s.mux.Unlock()

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wakeup:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) execute(t *Task) {
	if t.cancelled.Load() {
		return
	}
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("scheduled task %s panicked: %v", t.name, r)
			}
		}()
		t.f(s.ctx)
	}()
}

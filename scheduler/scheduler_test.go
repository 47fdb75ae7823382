package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func Test_scheduler_order(t *testing.T) {
	s := New()
	defer s.Stop()

	var mux sync.Mutex
	var order []string
	done := make(chan struct{}, 3)
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mux.Lock()
			order = append(order, name)
			mux.Unlock()
			done <- struct{}{}
		}
	}

	now := time.Now()
	s.Schedule("third", now.Add(60*time.Millisecond), record("third"))
	s.Schedule("first", now.Add(20*time.Millisecond), record("first"))
	s.Schedule("second", now.Add(40*time.Millisecond), record("second"))

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("scheduled task did not fire")
		}
	}
	mux.Lock()
	defer mux.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func Test_scheduler_cancel(t *testing.T) {
	s := New()
	defer s.Stop()

	var fired atomic.Bool
	task := s.ScheduleAfter("timeout", 30*time.Millisecond, func(context.Context) {
		fired.Store(true)
	})
	assert.Equal(t, "timeout", task.Name())
	assert.Equal(t, 1, s.Len())
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	assert.Equal(t, 0, s.Len())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func Test_scheduler_past_task_runs_immediately(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("late", time.Now().Add(-time.Second), func(context.Context) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("past task did not fire")
	}
}

func Test_scheduler_stop(t *testing.T) {
	s := New()

	started := make(chan struct{})
	var cancelled atomic.Bool
	s.Schedule("running", time.Now(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	var fired atomic.Bool
	s.ScheduleAfter("never", time.Hour, func(context.Context) {
		fired.Store(true)
	})

	<-started
	s.Stop()
	require.True(t, cancelled.Load())
	assert.False(t, fired.Load())
	assert.Equal(t, 0, s.Len())
}

func Test_scheduler_recovers_panic(t *testing.T) {
	s := New()
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("panics", time.Now(), func(context.Context) {
		panic("boom")
	})
	s.Schedule("after", time.Now().Add(10*time.Millisecond), func(context.Context) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped after a panicking task")
	}
}

package goxa

import (
	"context"
	"fmt"
	"sort"

	"github.com/xiaoxuxiansheng/goxa/log"
)

const (
	// 优先级越小 BeforeCompletion 越早执行，AfterCompletion 越晚执行
	PriorityFirst   = -1 << 31
	PriorityDefault = 0
	PriorityLast    = 1<<31 - 1
)

// Synchronization 事务完成前后的回调
type Synchronization interface {
	// BeforeCompletion 提交前执行，返回错误会导致事务回滚
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion 事务到达终态后执行且只执行一次
	AfterCompletion(ctx context.Context, status Status)
}

// SynchronizationFuncs 以函数形式实现 Synchronization，为空的函数被跳过
type SynchronizationFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status Status)
}

func (s SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SynchronizationFuncs) AfterCompletion(ctx context.Context, status Status) {
	if s.After != nil {
		s.After(ctx, status)
	}
}

type synchronizationEntry struct {
	sync     Synchronization
	priority int
}

type synchronizations struct {
	entries []*synchronizationEntry
}

func (s *synchronizations) add(sync Synchronization, priority int) {
	s.entries = append(s.entries, &synchronizationEntry{sync: sync, priority: priority})
	// 同优先级保持注册顺序
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].priority < s.entries[j].priority
	})
}

func (s *synchronizations) len() int {
	return len(s.entries)
}

// beforeCompletion 遇到第一个错误即停止
func (s *synchronizations) beforeCompletion(ctx context.Context) error {
	for _, entry := range s.entries {
		if err := callBefore(ctx, entry.sync); err != nil {
			return err
		}
	}
	return nil
}

// afterCompletion 按优先级倒序执行，错误与 panic 只记录日志
func (s *synchronizations) afterCompletion(ctx context.Context, status Status) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		callAfter(ctx, s.entries[i].sync, status)
	}
}

func callBefore(ctx context.Context, sync Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("synchronization panicked before completion: %v", r)
		}
	}()
	return sync.BeforeCompletion(ctx)
}

func callAfter(ctx context.Context, sync Synchronization, status Status) {
	defer func() {
		if r := recover(); r != nil {
			log.WarnContextf(ctx, "synchronization panicked after completion with status %s: %v", status, r)
		}
	}()
	sync.AfterCompletion(ctx, status)
}

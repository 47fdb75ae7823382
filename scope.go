package goxa

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Scope 执行上下文与当前事务的绑定. 同一个 Scope 同一时刻最多绑定一笔事务，
// 通过 Suspend / Resume 在不同 Scope 之间转移事务的所有权.
type Scope struct {
	tm *TransactionManager

	mux     sync.Mutex
	current *Transaction
	// 为 0 时使用默认超时时间
	timeout time.Duration
}

// SuspendToken Suspend 返回的所有权凭证，只能被 Resume 一次
type SuspendToken struct {
	tx   *Transaction
	used atomic.Bool
}

func (s *SuspendToken) Transaction() *Transaction {
	return s.tx
}

// Begin 开启事务并绑定到当前 Scope
func (s *Scope) Begin(ctx context.Context) (*Transaction, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.currentLocked() != nil {
		return nil, ErrTransactionActive
	}
	timeout := s.timeout
	if timeout <= 0 {
		timeout = s.tm.opts.DefaultTimeout
	}
	t, err := s.tm.begin(ctx, timeout)
	if err != nil {
		return nil, err
	}
	s.current = t
	return t, nil
}

// Current 当前绑定的事务，已到达终态的事务视为没有绑定
func (s *Scope) Current() *Transaction {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.currentLocked()
}

func (s *Scope) currentLocked() *Transaction {
	if s.current != nil && s.current.done() {
		s.current = nil
	}
	return s.current
}

func (s *Scope) Status() Status {
	if t := s.Current(); t != nil {
		return t.Status()
	}
	return StatusNoTransaction
}

// detach 解除绑定并返回当前事务
func (s *Scope) detach() (*Transaction, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	t := s.currentLocked()
	if t == nil {
		return nil, ErrNoTransaction
	}
	s.current = nil
	return t, nil
}

// Commit 提交当前事务，无论结果如何都会解除绑定
func (s *Scope) Commit(ctx context.Context) error {
	t, err := s.detach()
	if err != nil {
		return err
	}
	return t.Commit(ctx)
}

// Rollback 回滚当前事务，无论结果如何都会解除绑定
func (s *Scope) Rollback(ctx context.Context) error {
	t, err := s.detach()
	if err != nil {
		return err
	}
	return t.Rollback(ctx)
}

func (s *Scope) SetRollbackOnly() error {
	t := s.Current()
	if t == nil {
		return ErrNoTransaction
	}
	return t.SetRollbackOnly()
}

// SetTransactionTimeout 对之后开启的事务生效，0 表示恢复默认值
func (s *Scope) SetTransactionTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return illegalState("timeout cannot be negative, got %s", timeout)
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	s.timeout = timeout
	return nil
}

// Suspend 解除当前事务的绑定，不改变事务状态. 没有绑定事务时返回 nil.
func (s *Scope) Suspend() *SuspendToken {
	s.mux.Lock()
	defer s.mux.Unlock()

	t := s.currentLocked()
	if t == nil {
		return nil
	}
	s.current = nil
	return &SuspendToken{tx: t}
}

// Resume 将挂起的事务绑定到当前 Scope
func (s *Scope) Resume(token *SuspendToken) error {
	if token == nil || token.tx == nil {
		return ErrInvalidToken
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if s.currentLocked() != nil {
		return ErrTransactionActive
	}
	switch token.tx.Status() {
	case StatusActive, StatusMarkedRollback:
	default:
		return illegalState("cannot resume %s", token.tx)
	}
	if !token.used.CompareAndSwap(false, true) {
		return ErrInvalidToken
	}
	s.current = token.tx
	return nil
}

type scopeKey struct{}

// ContextWithScope 将 Scope 放入 ctx
func ContextWithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext 取出 ctx 中的 Scope
func ScopeFromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

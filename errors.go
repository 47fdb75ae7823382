package goxa

import (
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/uid"
)

var (
	// ErrTimedOut 事务超时，已被回滚
	ErrTimedOut = errors.New("transaction timed out")
	// ErrMarkedRollback 事务被标记为只能回滚
	ErrMarkedRollback = errors.New("transaction was marked as rollback only")
	ErrIllegalState   = errors.New("illegal transaction state")
	ErrNoTransaction  = errors.New("no transaction started")
	// ErrTransactionActive 当前上下文已经绑定了事务
	ErrTransactionActive = errors.New("a transaction is already active")
	ErrInvalidToken      = errors.New("invalid suspend token")
	ErrUnknownResource   = errors.New("unknown resource")
	ErrDuplicateResource = errors.New("resource already registered")
	ErrShuttingDown      = errors.New("transaction manager is shutting down")
)

// RollbackError 提交失败，事务已经被回滚
type RollbackError struct {
	Gtrid uid.Uid
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction %s rolled back: %v", e.Gtrid, e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// HeuristicError 一阶段提交失败，分支的结果无法确定
type HeuristicError struct {
	Gtrid uid.Uid
	Cause error
}

func (e *HeuristicError) Error() string {
	return fmt.Sprintf("transaction %s outcome is unknown: %v", e.Gtrid, e.Cause)
}

func (e *HeuristicError) Unwrap() error {
	return e.Cause
}

func illegalState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrIllegalState, fmt.Sprintf(format, args...))
}

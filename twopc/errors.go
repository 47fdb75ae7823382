package twopc

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/goxa/branch"
)

// Result 单个分支在某个阶段的执行结果
type Result struct {
	Branch *branch.Branch
	Err    error
}

// PhaseError 某个阶段中失败分支的汇总
type PhaseError struct {
	Phase   string
	Results []Result
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed on %d branch(es): %v", e.Phase, len(e.Results), e.combined())
}

func (e *PhaseError) Unwrap() []error {
	return multierr.Errors(e.combined())
}

func (e *PhaseError) combined() error {
	var errs error
	for _, r := range e.Results {
		errs = multierr.Append(errs, fmt.Errorf("resource %s failed on %s: %w", r.Branch.UniqueName(), r.Branch.Xid(), r.Err))
	}
	return errs
}

// Branches 失败的分支
func (e *PhaseError) Branches() []*branch.Branch {
	out := make([]*branch.Branch, 0, len(e.Results))
	for _, r := range e.Results {
		out = append(out, r.Branch)
	}
	return out
}

// RuntimeError 资源调用过程中发生的 panic
type RuntimeError struct {
	Value interface{}
	Stack []byte
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("unexpected runtime error: %v", e.Value)
}

func (e *RuntimeError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

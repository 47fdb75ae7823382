package twopc

import (
	"context"

	"github.com/xiaoxuxiansheng/goxa/branch"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const (
	PhasePrepare  = "prepare"
	PhaseCommit   = "commit"
	PhaseRollback = "rollback"
)

// Prepare 按顺位升序对已结束的分支执行 prepare，返回投票为 XA_OK、需要进入第二阶段的分支
func (e *Engine) Prepare(ctx context.Context, reg *branch.Registry) ([]*branch.Branch, error) {
	participating := func(b *branch.Branch) bool {
		return b.State() == branch.StateEnded
	}
	err := e.executePhase(ctx, PhasePrepare, reg.InPositionOrder(), participating, func(ctx context.Context, b *branch.Branch) error {
		vote, err := b.Resource().Prepare(ctx, b.Xid())
		if err != nil {
			return err
		}
		if vote == xa.VoteReadOnly {
			log.DebugContextf(ctx, "%s voted %s, excluding it from the commit phase", b, vote)
			b.SetState(branch.StateReadOnly)
			return nil
		}
		b.SetState(branch.StatePrepared)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var interested []*branch.Branch
	for _, b := range reg.All() {
		if b.State() == branch.StatePrepared {
			interested = append(interested, b)
		}
	}
	log.DebugContextf(ctx, "successfully prepared %d resource(s), %d of them interested in the commit phase", reg.Size(), len(interested))
	return interested, nil
}

// Commit 按顺位升序对 interested 中的分支执行两阶段提交.
// 返回已经完成的资源名称；启发式提交会被 forget 并视为成功，其他启发式结果 forget 后作为失败返回.
func (e *Engine) Commit(ctx context.Context, reg *branch.Registry, interested []*branch.Branch) ([]string, error) {
	set := make(map[*branch.Branch]struct{}, len(interested))
	for _, b := range interested {
		set[b] = struct{}{}
	}
	participating := func(b *branch.Branch) bool {
		_, ok := set[b]
		return ok && b.State() == branch.StatePrepared
	}

	err := e.executePhase(ctx, PhaseCommit, reg.InPositionOrder(), participating, func(ctx context.Context, b *branch.Branch) error {
		return e.commitBranch(ctx, b)
	})
	return resolvedNames(reg, branch.StateCommitted), err
}

func (e *Engine) commitBranch(ctx context.Context, b *branch.Branch) error {
	err := b.Resource().Commit(ctx, b.Xid(), false)
	if err == nil {
		b.SetState(branch.StateCommitted)
		return nil
	}

	code, _ := xa.CodeOf(err)
	switch {
	case code == xa.XAHeurCom:
		log.InfoContextf(ctx, "%s was heuristically committed, forgetting it", b)
		if e.forget(ctx, b) {
			b.SetState(branch.StateHeuristic)
		}
		return nil
	case code == xa.XAHeurRB || code == xa.XAHeurMix || code == xa.XAHeurHaz:
		log.ErrorContextf(ctx, "heuristic outcome %s on %s is incompatible with the global commit decision", code, b)
		if e.forget(ctx, b) {
			b.SetState(branch.StateHeuristic)
		}
		return err
	case code == xa.XAERNota && b.Joined():
		log.DebugContextf(ctx, "%s already committed through the branch it joined", b)
		b.SetState(branch.StateCommitted)
		return nil
	default:
		return err
	}
}

// CommitOnePhase 对唯一的分支执行一阶段提交，启发式提交会被 forget 并视为成功
func (e *Engine) CommitOnePhase(ctx context.Context, b *branch.Branch) error {
	return e.run(ctx, b, func(ctx context.Context, b *branch.Branch) error {
		err := b.Resource().Commit(ctx, b.Xid(), true)
		if err == nil {
			b.SetState(branch.StateCommitted)
			return nil
		}
		if code, _ := xa.CodeOf(err); code == xa.XAHeurCom {
			log.InfoContextf(ctx, "%s was heuristically committed, forgetting it", b)
			if e.forget(ctx, b) {
				b.SetState(branch.StateHeuristic)
			}
			return nil
		}
		return err
	})
}

// Rollback 按顺位降序对所有已启动且尚未完成的分支执行回滚，返回已经完成的资源名称
func (e *Engine) Rollback(ctx context.Context, reg *branch.Registry) ([]string, error) {
	participating := func(b *branch.Branch) bool {
		switch b.State() {
		case branch.StateActive, branch.StateEnded, branch.StatePrepared, branch.StateReadOnly:
			return true
		}
		return false
	}

	err := e.executePhase(ctx, PhaseRollback, reg.InReverseOrder(), participating, func(ctx context.Context, b *branch.Branch) error {
		return e.rollbackBranch(ctx, b)
	})
	return resolvedNames(reg, branch.StateRolledBack), err
}

func (e *Engine) rollbackBranch(ctx context.Context, b *branch.Branch) error {
	err := b.Resource().Rollback(ctx, b.Xid())
	if err == nil {
		b.SetState(branch.StateRolledBack)
		return nil
	}

	code, _ := xa.CodeOf(err)
	switch {
	case code == xa.XAHeurRB:
		log.InfoContextf(ctx, "%s was heuristically rolled back, forgetting it", b)
		if e.forget(ctx, b) {
			b.SetState(branch.StateHeuristic)
		}
		return nil
	case code == xa.XAHeurCom || code == xa.XAHeurMix || code == xa.XAHeurHaz:
		log.ErrorContextf(ctx, "heuristic outcome %s on %s is incompatible with the global rollback decision", code, b)
		if e.forget(ctx, b) {
			b.SetState(branch.StateHeuristic)
		}
		return err
	case code == xa.XAERNota:
		log.DebugContextf(ctx, "%s unknown to the resource, assuming it is already rolled back", b)
		b.SetState(branch.StateRolledBack)
		return nil
	case code.IsRollback():
		b.SetState(branch.StateRolledBack)
		return nil
	default:
		return err
	}
}

func resolvedNames(reg *branch.Registry, done branch.State) []string {
	var resolved []*branch.Branch
	for _, b := range reg.All() {
		if state := b.State(); state == done || state == branch.StateHeuristic {
			resolved = append(resolved, b)
		}
	}
	return branch.UniqueNames(resolved)
}

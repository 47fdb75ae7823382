package twopc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa/branch"
	"github.com/xiaoxuxiansheng/goxa/executor"
	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
	"github.com/xiaoxuxiansheng/goxa/xa/xatest"
)

// enlistEnded 依次加入资源并结束，使其可以进入 prepare
func enlistEnded(t *testing.T, resources ...*xatest.Resource) *branch.Registry {
	ctx := context.Background()
	g := uid.NewGenerator("engine-test")
	reg := branch.NewRegistry(g.Generate(), g.Generate, false)
	for _, res := range resources {
		_, err := reg.Enlist(ctx, res, branch.EnlistOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, reg.DelistAll(ctx, xa.TMSuccess))
	return reg
}

func names(events []xatest.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Resource)
	}
	return out
}

func Test_engine_prepare_and_commit(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	r1 := xatest.NewResource("db1", "rm1", rec)
	r2 := xatest.NewResource("db2", "rm2", rec)
	r3 := xatest.NewResource("db3", "rm3", rec)
	reg := enlistEnded(t, r1, r2, r3)

	e := NewEngine(executor.NewSync())
	interested, err := e.Prepare(ctx, reg)
	require.NoError(t, err)
	assert.Len(t, interested, 3)
	assert.Equal(t, []string{"db1", "db2", "db3"}, names(rec.Filter(xatest.OpPrepare)))

	committed, err := e.Commit(ctx, reg, interested)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1", "db2", "db3"}, committed)

	commits := rec.Filter(xatest.OpCommit)
	assert.Equal(t, []string{"db1", "db2", "db3"}, names(commits))
	for _, c := range commits {
		assert.False(t, c.OnePhase)
	}
	for _, b := range reg.All() {
		assert.Equal(t, branch.StateCommitted, b.State())
	}
}

func Test_engine_prepare_failure_scenario(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	// 前两个属于同一个资源管理器，共享顺位 0
	r1 := xatest.NewResource("db1", "rm1", rec)
	r2 := xatest.NewResource("db1-join", "rm1", rec)
	r3 := xatest.NewResource("db2", "rm2", rec)
	r3.SetError(xatest.OpPrepare, xa.NewError(xa.XAERRMErr, "disk full"))
	reg := enlistEnded(t, r1, r2, r3)

	e := NewEngine(executor.NewAsync())
	interested, err := e.Prepare(ctx, reg)
	require.Error(t, err)
	assert.Nil(t, interested)

	var phaseErr *PhaseError
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, PhasePrepare, phaseErr.Phase)
	require.Len(t, phaseErr.Results, 1)
	assert.Equal(t, "db2", phaseErr.Branches()[0].UniqueName())
	code, ok := xa.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, xa.XAERRMErr, code)
	assert.Len(t, rec.Filter(xatest.OpPrepare), 3)

	rolledBack, err := e.Rollback(ctx, reg)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db1", "db1-join", "db2"}, rolledBack)

	rollbacks := names(rec.Filter(xatest.OpRollback))
	require.Len(t, rollbacks, 3)
	assert.Equal(t, "db2", rollbacks[0])
	assert.ElementsMatch(t, []string{"db1", "db1-join"}, rollbacks[1:])
}

func Test_engine_stops_at_failed_position(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	r1 := xatest.NewResource("db1", "rm1", rec)
	r2 := xatest.NewResource("db2", "rm2", rec)
	r1.SetError(xatest.OpPrepare, xa.NewError(xa.XARBDeadlock, "deadlock"))
	reg := enlistEnded(t, r1, r2)

	e := NewEngine(executor.NewSync())
	_, err := e.Prepare(ctx, reg)
	require.Error(t, err)
	assert.Equal(t, []string{"db1"}, names(rec.Filter(xatest.OpPrepare)))
}

func Test_engine_read_only_vote(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	r1 := xatest.NewResource("db1", "rm1", rec)
	r2 := xatest.NewResource("db2", "rm2", rec)
	r2.SetVote(xa.VoteReadOnly)
	reg := enlistEnded(t, r1, r2)

	e := NewEngine(executor.NewSync())
	interested, err := e.Prepare(ctx, reg)
	require.NoError(t, err)
	require.Len(t, interested, 1)
	assert.Equal(t, "db1", interested[0].UniqueName())

	_, err = e.Commit(ctx, reg, interested)
	require.NoError(t, err)
	assert.Equal(t, []string{"db1"}, names(rec.Filter(xatest.OpCommit)))
}

func Test_engine_commit_heuristics(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		code       xa.ErrorCode
		wantErr    bool
		wantForget bool
	}{
		{name: "heuristic commit", code: xa.XAHeurCom, wantErr: false, wantForget: true},
		{name: "heuristic rollback", code: xa.XAHeurRB, wantErr: true, wantForget: true},
		{name: "heuristic mixed", code: xa.XAHeurMix, wantErr: true, wantForget: true},
		{name: "resource failure", code: xa.XAERRMFail, wantErr: true, wantForget: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := xatest.NewRecorder()
			r1 := xatest.NewResource("db1", "rm1", rec)
			r2 := xatest.NewResource("db2", "rm2", rec)
			r2.SetError(xatest.OpCommit, xa.NewError(tt.code, "outcome"))
			reg := enlistEnded(t, r1, r2)

			e := NewEngine(executor.NewSync())
			interested, err := e.Prepare(ctx, reg)
			require.NoError(t, err)
			resolved, err := e.Commit(ctx, reg, interested)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantForget, rec.Count("db2", xatest.OpForget) == 1)
			if tt.wantForget {
				assert.ElementsMatch(t, []string{"db1", "db2"}, resolved)
				assert.Empty(t, r2.InDoubt())
			} else {
				assert.Equal(t, []string{"db1"}, resolved)
				assert.Len(t, r2.InDoubt(), 1)
			}
		})
	}
}

func Test_engine_forget_failure_is_not_raised(t *testing.T) {
	ctx := context.Background()
	r1 := xatest.NewResource("db1", "rm1", nil)
	r1.SetError(xatest.OpCommit, xa.NewError(xa.XAHeurCom, "committed"))
	r1.SetError(xatest.OpForget, xa.NewError(xa.XAERRMFail, "gone"))
	reg := enlistEnded(t, r1, xatest.NewResource("db2", "rm2", r1.Recorder()))

	e := NewEngine(executor.NewSync())
	interested, err := e.Prepare(ctx, reg)
	require.NoError(t, err)
	resolved, err := e.Commit(ctx, reg, interested)
	require.NoError(t, err)
	// 未能 forget 的分支仍需恢复流程处理
	assert.Equal(t, []string{"db2"}, resolved)
}

func Test_engine_rollback_tolerates_unknown_branch(t *testing.T) {
	ctx := context.Background()
	r1 := xatest.NewResource("db1", "rm1", nil)
	r1.SetError(xatest.OpRollback, xa.NewError(xa.XAERNota, "unknown xid"))
	r2 := xatest.NewResource("db2", "rm2", r1.Recorder())
	r2.SetError(xatest.OpRollback, xa.NewError(xa.XAHeurCom, "committed"))
	// 回滚按顺位降序，r1 先于 r2 执行
	reg := enlistEnded(t, r2, r1)

	e := NewEngine(executor.NewSync())
	resolved, err := e.Rollback(ctx, reg)
	require.Error(t, err)
	code, _ := xa.CodeOf(err)
	assert.Equal(t, xa.XAHeurCom, code)
	assert.Equal(t, 1, r1.Recorder().Count("db2", xatest.OpForget))
	assert.ElementsMatch(t, []string{"db1", "db2"}, resolved)
}

func Test_engine_recovers_panics(t *testing.T) {
	ctx := context.Background()
	r1 := xatest.NewResource("db1", "rm1", nil)
	r1.SetPanic(xatest.OpPrepare, "driver bug")
	reg := enlistEnded(t, r1, xatest.NewResource("db2", "rm2", r1.Recorder()))

	e := NewEngine(executor.NewAsync())
	_, err := e.Prepare(ctx, reg)
	require.Error(t, err)
	var runtimeErr *RuntimeError
	require.True(t, errors.As(err, &runtimeErr))
	assert.Equal(t, "driver bug", runtimeErr.Value)
	assert.NotEmpty(t, runtimeErr.Stack)
}

func Test_engine_parallel_within_position(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	r1 := xatest.NewResource("db1", "rm1", rec)
	r2 := xatest.NewResource("db1-join", "rm1", rec)

	// 两个分支在同一顺位，只有并发执行时才能同时到达屏障
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(xa.Xid) {
		wg.Done()
		wg.Wait()
	}
	r1.OnPrepare(barrier)
	r2.OnPrepare(barrier)
	reg := enlistEnded(t, r1, r2)

	e := NewEngine(executor.NewAsync(), WithPollInterval(10*time.Millisecond))
	interested, err := e.Prepare(ctx, reg)
	require.NoError(t, err)
	assert.Len(t, interested, 2)
}

func Test_engine_commit_one_phase(t *testing.T) {
	ctx := context.Background()
	rec := xatest.NewRecorder()
	r1 := xatest.NewResource("db1", "rm1", rec)
	reg := enlistEnded(t, r1)
	b := reg.All()[0]

	e := NewEngine(executor.NewSync())
	require.NoError(t, e.CommitOnePhase(ctx, b))
	commits := rec.Filter(xatest.OpCommit)
	require.Len(t, commits, 1)
	assert.True(t, commits[0].OnePhase)
	assert.Empty(t, rec.Filter(xatest.OpPrepare))
	assert.Equal(t, branch.StateCommitted, b.State())

	r2 := xatest.NewResource("db2", "rm2", rec)
	r2.SetError(xatest.OpCommit, xa.NewError(xa.XARBRollback, "rolled back"))
	b2 := enlistEnded(t, r2).All()[0]
	err := e.CommitOnePhase(ctx, b2)
	code, _ := xa.CodeOf(err)
	assert.Equal(t, xa.XARBRollback, code)
}

func Test_phase_error_message(t *testing.T) {
	ctx := context.Background()
	r1 := xatest.NewResource("db1", "rm1", nil)
	r1.SetError(xatest.OpPrepare, errors.New("boom"))
	reg := enlistEnded(t, r1)

	e := NewEngine(executor.NewSync(), WithErrorAnalyzer(func(err error) string { return "sqlstate=XA100" }))
	_, err := e.Prepare(ctx, reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare phase failed on 1 branch(es)")
	assert.Contains(t, err.Error(), "resource db1 failed on")
	assert.Contains(t, err.Error(), "boom")
	e.LogFailedBranches(ctx, err)
}

package branch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
	"github.com/xiaoxuxiansheng/goxa/xa/xatest"
)

func newTestRegistry(allowMultipleLRC bool) *Registry {
	g := uid.NewGenerator("registry-test")
	return NewRegistry(g.Generate(), g.Generate, allowMultipleLRC)
}

func Test_registry_enlist(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "positions follow enlistment order",
			f: func(t *testing.T) {
				r := newTestRegistry(false)
				rec := xatest.NewRecorder()
				b1, err := r.Enlist(ctx, xatest.NewResource("db1", "rm1", rec), EnlistOptions{})
				require.NoError(t, err)
				b2, err := r.Enlist(ctx, xatest.NewResource("db2", "rm2", rec), EnlistOptions{})
				require.NoError(t, err)

				assert.Equal(t, 0, b1.Position())
				assert.Equal(t, 1, b2.Position())
				assert.NotEqual(t, b1.Xid(), b2.Xid())
				assert.Equal(t, b1.Xid().Gtrid(), b2.Xid().Gtrid())
				for _, e := range rec.Filter(xatest.OpStart) {
					assert.Equal(t, xa.TMNoFlags, e.Flags)
				}
			},
		},
		{
			name: "same resource manager joins",
			f: func(t *testing.T) {
				r := newTestRegistry(false)
				rec := xatest.NewRecorder()
				b1, err := r.Enlist(ctx, xatest.NewResource("db1", "rm1", rec), EnlistOptions{})
				require.NoError(t, err)
				b2, err := r.Enlist(ctx, xatest.NewResource("db1-bis", "rm1", rec), EnlistOptions{})
				require.NoError(t, err)
				b3, err := r.Enlist(ctx, xatest.NewResource("db2", "rm2", rec), EnlistOptions{})
				require.NoError(t, err)

				assert.True(t, b2.Joined())
				assert.Equal(t, b1.Xid(), b2.Xid())
				assert.Equal(t, 0, b2.Position())
				assert.Equal(t, 1, b3.Position())

				starts := rec.Filter(xatest.OpStart)
				require.Len(t, starts, 3)
				assert.Equal(t, xa.TMNoFlags, starts[0].Flags)
				assert.Equal(t, xa.TMJoin, starts[1].Flags)
				assert.Equal(t, xa.TMNoFlags, starts[2].Flags)
			},
		},
		{
			name: "re-enlisting an active resource is a no-op",
			f: func(t *testing.T) {
				r := newTestRegistry(false)
				res := xatest.NewResource("db1", "rm1", nil)
				b1, err := r.Enlist(ctx, res, EnlistOptions{})
				require.NoError(t, err)
				b2, err := r.Enlist(ctx, res, EnlistOptions{})
				require.NoError(t, err)
				assert.Same(t, b1, b2)
				assert.Equal(t, 1, r.Size())
				assert.Equal(t, 1, res.Recorder().Count("db1", xatest.OpStart))
			},
		},
		{
			name: "second emulated resource is rejected",
			f: func(t *testing.T) {
				r := newTestRegistry(false)
				_, err := r.Enlist(ctx, xatest.NewResource("lrc1", "lrc1", nil), EnlistOptions{Emulated: true, Pinned: true, Position: LastPosition})
				require.NoError(t, err)
				_, err = r.Enlist(ctx, xatest.NewResource("lrc2", "lrc2", nil), EnlistOptions{Emulated: true, Pinned: true, Position: LastPosition})
				require.Error(t, err)
				code, ok := xa.CodeOf(err)
				assert.True(t, ok)
				assert.Equal(t, xa.XAERProto, code)
				assert.Contains(t, err.Error(), "lrc1")
				assert.Contains(t, err.Error(), "lrc2")
			},
		},
		{
			name: "multiple emulated resources when allowed",
			f: func(t *testing.T) {
				r := newTestRegistry(true)
				_, err := r.Enlist(ctx, xatest.NewResource("lrc1", "lrc1", nil), EnlistOptions{Emulated: true})
				require.NoError(t, err)
				_, err = r.Enlist(ctx, xatest.NewResource("lrc2", "lrc2", nil), EnlistOptions{Emulated: true})
				require.NoError(t, err)
				assert.Equal(t, 2, r.Size())
			},
		},
		{
			name: "failed start leaves no branch",
			f: func(t *testing.T) {
				r := newTestRegistry(false)
				res := xatest.NewResource("db1", "rm1", nil)
				res.SetError(xatest.OpStart, xa.NewError(xa.XAERRMFail, "down"))
				_, err := r.Enlist(ctx, res, EnlistOptions{})
				require.Error(t, err)
				assert.Equal(t, 0, r.Size())

				b, err := r.Enlist(ctx, xatest.NewResource("db2", "rm2", nil), EnlistOptions{})
				require.NoError(t, err)
				assert.Equal(t, 0, b.Position())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_registry_order(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(false)
	rec := xatest.NewRecorder()

	lrc := xatest.NewResource("lrc", "lrc", rec)
	_, err := r.Enlist(ctx, lrc, EnlistOptions{Emulated: true, Pinned: true, Position: LastPosition})
	require.NoError(t, err)
	_, err = r.Enlist(ctx, xatest.NewResource("a", "rm1", rec), EnlistOptions{})
	require.NoError(t, err)
	_, err = r.Enlist(ctx, xatest.NewResource("b", "rm1", rec), EnlistOptions{})
	require.NoError(t, err)
	_, err = r.Enlist(ctx, xatest.NewResource("c", "rm2", rec), EnlistOptions{})
	require.NoError(t, err)

	names := func(groups [][]*Branch) [][]string {
		out := make([][]string, 0, len(groups))
		for _, group := range groups {
			var ns []string
			for _, b := range group {
				ns = append(ns, b.UniqueName())
			}
			out = append(out, ns)
		}
		return out
	}

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"lrc"}}, names(r.InPositionOrder()))
	assert.Equal(t, [][]string{{"lrc"}, {"c"}, {"b", "a"}}, names(r.InReverseOrder()))
	assert.Equal(t, []string{"lrc", "a", "b", "c"}, r.UniqueNames())
}

func Test_registry_delist(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(false)
	rec := xatest.NewRecorder()
	res1 := xatest.NewResource("db1", "rm1", rec)
	res2 := xatest.NewResource("db2", "rm2", rec)
	b1, err := r.Enlist(ctx, res1, EnlistOptions{})
	require.NoError(t, err)
	_, err = r.Enlist(ctx, res2, EnlistOptions{})
	require.NoError(t, err)

	require.NoError(t, r.Delist(ctx, b1, xa.TMSuccess))
	assert.Equal(t, StateEnded, b1.State())
	assert.Nil(t, r.Find(res1))
	// 已经结束的分支不会再次 end
	require.NoError(t, r.Delist(ctx, b1, xa.TMSuccess))
	assert.Equal(t, 1, rec.Count("db1", xatest.OpEnd))

	res2.SetError(xatest.OpEnd, errors.New("connection reset"))
	err = r.DelistAll(ctx, xa.TMSuccess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db2")
	assert.NotNil(t, r.Find(res2))
}

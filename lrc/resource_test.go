package lrc

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

func newMockResource(t *testing.T) (*Resource, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return NewResource("lrc-db", gdb), mock
}

func assertCode(t *testing.T, want xa.ErrorCode, err error) {
	t.Helper()
	code, ok := xa.CodeOf(err)
	require.True(t, ok, "expected an XA error, got %v", err)
	assert.Equal(t, want, code)
}

func Test_lrc_resource(t *testing.T) {
	ctx := context.Background()
	g := uid.NewGenerator("lrc-test")
	newXid := func() xa.Xid {
		return xa.NewXid(g.Generate(), g.Generate())
	}

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "two phase commit commits during prepare",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE accounts").WithArgs(10, 1).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NotNil(t, res.Tx())
				require.NoError(t, res.Tx().Exec("UPDATE accounts SET balance = balance - ? WHERE id = ?", 10, 1).Error)
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				assert.Nil(t, res.Tx())

				vote, err := res.Prepare(ctx, xid)
				require.NoError(t, err)
				assert.Equal(t, xa.VoteOK, vote)
				require.NoError(t, res.Commit(ctx, xid, false))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "one phase commit",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectCommit()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				require.NoError(t, res.Commit(ctx, xid, true))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "rollback after prepare is a heuristic commit",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectCommit()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				_, err := res.Prepare(ctx, xid)
				require.NoError(t, err)
				assertCode(t, xa.XAHeurCom, res.Rollback(ctx, xid))
				require.NoError(t, res.Forget(ctx, xid))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "end with failure rolls back",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectRollback()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMFail))
				assertCode(t, xa.XAERNota, res.Rollback(ctx, xid))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "rollback before prepare",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectRollback()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				require.NoError(t, res.Rollback(ctx, xid))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "join after end",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				assertCode(t, xa.XAERDupID, res.Start(ctx, xid, xa.TMNoFlags))
				assertCode(t, xa.XAERRMErr, res.Start(ctx, newXid(), xa.TMJoin))
				require.NoError(t, res.Start(ctx, xid, xa.TMJoin))
				assert.NotNil(t, res.Tx())
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "prepare failure",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()
				mock.ExpectBegin()
				mock.ExpectCommit().WillReturnError(assert.AnError)

				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				_, err := res.Prepare(ctx, xid)
				assertCode(t, xa.XAERRMErr, err)
				assert.ErrorIs(t, err, assert.AnError)
			},
		},
		{
			name: "protocol violations",
			f: func(t *testing.T) {
				res, mock := newMockResource(t)
				xid := newXid()

				_, err := res.Prepare(ctx, xid)
				assertCode(t, xa.XAERProto, err)
				assertCode(t, xa.XAERProto, res.End(ctx, xid, xa.TMSuccess))
				assertCode(t, xa.XAERProto, res.Commit(ctx, xid, true))
				assertCode(t, xa.XAERProto, res.Start(ctx, xid, xa.TMJoin))
				assertCode(t, xa.XAERRMErr, res.Start(ctx, xid, xa.TMResume))
				assertCode(t, xa.XAERInval, res.Start(ctx, xa.Xid{}, xa.TMNoFlags))

				mock.ExpectBegin()
				require.NoError(t, res.Start(ctx, xid, xa.TMNoFlags))
				assertCode(t, xa.XAERProto, res.Start(ctx, xid, xa.TMNoFlags))
				_, err = res.Prepare(ctx, xid)
				assertCode(t, xa.XAERProto, err)
				require.NoError(t, res.End(ctx, xid, xa.TMSuccess))
				assertCode(t, xa.XAERProto, res.Commit(ctx, xid, false))
				assertCode(t, xa.XAERProto, res.End(ctx, xid, xa.TMSuccess))
			},
		},
		{
			name: "never recovers anything",
			f: func(t *testing.T) {
				res, _ := newMockResource(t)
				xids, err := res.Recover(ctx, xa.TMStartRScan)
				require.NoError(t, err)
				assert.Empty(t, xids)
				assert.True(t, xa.IsEmulated(res))

				same, err := res.IsSameRM(res)
				require.NoError(t, err)
				assert.True(t, same)
				other, _ := newMockResource(t)
				same, err = res.IsSameRM(other)
				require.NoError(t, err)
				assert.False(t, same)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

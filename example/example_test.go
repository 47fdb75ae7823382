package example

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/journal"
	"github.com/xiaoxuxiansheng/goxa/lrc"
	"github.com/xiaoxuxiansheng/goxa/xa"
	"github.com/xiaoxuxiansheng/goxa/xa/xatest"
)

func newOrders(t *testing.T) (*lrc.Resource, sqlmock.Sqlmock) {
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
	return lrc.NewResource("orders", gdb), mock
}

func Test_place_order(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "commit",
			f: func(t *testing.T) {
				txManager, err := goxa.NewTransactionManager(goxa.WithJournal(journal.NewNullJournal()), goxa.WithoutBackgroundRecovery())
				require.NoError(t, err)
				defer txManager.Shutdown(ctx)

				orders, mock := newOrders(t)
				rec := xatest.NewRecorder()
				ledger := xatest.NewResource("ledger", "ledger-rm", rec)
				require.NoError(t, txManager.Register(ctx, orders))
				require.NoError(t, txManager.Register(ctx, ledger))

				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO orders").WithArgs("order_1", 100).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()

				require.NoError(t, PlaceOrder(ctx, txManager.NewScope(), orders, ledger, "order_1", 100))
				assert.Equal(t, 1, rec.Count("ledger", xatest.OpCommit))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
		{
			name: "ledger prepare failure rolls back the order",
			f: func(t *testing.T) {
				txManager, err := goxa.NewTransactionManager(goxa.WithJournal(journal.NewNullJournal()), goxa.WithoutBackgroundRecovery())
				require.NoError(t, err)
				defer txManager.Shutdown(ctx)

				orders, mock := newOrders(t)
				rec := xatest.NewRecorder()
				ledger := xatest.NewResource("ledger", "ledger-rm", rec)
				ledger.SetError(xatest.OpPrepare, xa.NewError(xa.XAERRMErr, "ledger closed"))
				require.NoError(t, txManager.Register(ctx, orders))
				require.NoError(t, txManager.Register(ctx, ledger))

				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO orders").WithArgs("order_2", 50).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectRollback()

				err = PlaceOrder(ctx, txManager.NewScope(), orders, ledger, "order_2", 50)
				var rbErr *goxa.RollbackError
				require.ErrorAs(t, err, &rbErr)
				assert.Equal(t, 1, rec.Count("ledger", xatest.OpRollback))
				assert.NoError(t, mock.ExpectationsWereMet())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

package example

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaoxuxiansheng/goxa"
	"github.com/xiaoxuxiansheng/goxa/config"
	"github.com/xiaoxuxiansheng/goxa/journal/sqljournal"
	"github.com/xiaoxuxiansheng/goxa/lrc"
	"github.com/xiaoxuxiansheng/goxa/recovery"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const (
	dsn      = "请输入 mysql sdn"
	network  = "tcp"
	address  = "请输入 redis ip:port"
	password = "请输入 redis 密码"
)

func main() {
	cfg := config.Default()
	cfg.ServerID = "example"
	cfg.Journal = config.JournalSQL
	cfg.SQLJournalDSN = dsn
	cfg.RecoveryLockKey = recovery.BuildRecoveryLockKey("example")

	var opts []goxa.Option
	if locker := goxa.NewRecoveryLocker(cfg, network, address, password); locker != nil {
		opts = append(opts, goxa.WithRecoveryLocker(locker))
	}
	txManager, err := goxa.NewTransactionManagerFromConfig(cfg, opts...)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer txManager.Shutdown(context.Background())

	mysqlDB, err := sqljournal.NewDB(dsn)
	if err != nil {
		fmt.Println(err)
		return
	}

	// 本地 mysql 事务作为最后一个资源参与两阶段提交
	orders := lrc.NewResource("orders", mysqlDB)
	if err := txManager.Register(context.Background(), orders); err != nil {
		fmt.Println(err)
		return
	}

	// 真实场景中这里是支持 XA 的数据库或消息队列驱动
	var ledger xa.Resource
	if ledger == nil {
		fmt.Println("no xa resource configured")
		return
	}
	if err := txManager.Register(context.Background(), ledger); err != nil {
		fmt.Println(err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	if err := PlaceOrder(ctx, txManager.NewScope(), orders, ledger, "order_1", 100); err != nil {
		fmt.Printf("tx failed, err: %v", err)
		return
	}

	fmt.Println("success")
}

// PlaceOrder 在同一笔全局事务中写入订单并登记账目
func PlaceOrder(ctx context.Context, scope *goxa.Scope, orders *lrc.Resource, ledger xa.Resource, orderID string, amount int) error {
	tx, err := scope.Begin(ctx)
	if err != nil {
		return err
	}

	if _, err := tx.Enlist(ctx, orders); err != nil {
		_ = scope.Rollback(ctx)
		return err
	}
	if err := orders.Tx().Exec("INSERT INTO orders (order_id, amount) VALUES (?, ?)", orderID, amount).Error; err != nil {
		_ = scope.Rollback(ctx)
		return err
	}

	if _, err := tx.Enlist(ctx, ledger); err != nil {
		_ = scope.Rollback(ctx)
		return err
	}

	return scope.Commit(ctx)
}

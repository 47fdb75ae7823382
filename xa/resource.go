package xa

import "context"

// Resource 参与两阶段提交的资源需要实现的能力
type Resource interface {
	// 资源的唯一名称，事务日志与恢复流程均以此识别资源
	UniqueName() string
	// 将资源关联到事务分支上
	Start(ctx context.Context, xid Xid, flags Flag) error
	// 结束资源在事务分支上的工作
	End(ctx context.Context, xid Xid, flags Flag) error
	// 第一阶段：投票
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	// 第二阶段：提交，onePhase 为 true 时跳过 prepare 直接提交
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	// 第二阶段：回滚
	Rollback(ctx context.Context, xid Xid) error
	// 丢弃资源做出的启发式决定
	Forget(ctx context.Context, xid Xid) error
	// 扫描资源上处于 in-doubt 状态的分支
	Recover(ctx context.Context, flags Flag) ([]Xid, error)
	// 判断两个资源是否属于同一个资源管理器
	IsSameRM(other Resource) (bool, error)
}

// Emulated 通过 LRC 模拟 XA 语义的非 XA 资源实现该接口
type Emulated interface {
	Emulated() bool
}

// IsEmulated 判断资源是否为模拟的非 XA 资源
func IsEmulated(res Resource) bool {
	e, ok := res.(Emulated)
	return ok && e.Emulated()
}

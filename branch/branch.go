package branch

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/goxa/xa"
)

// State 分支在协议中所处的阶段
type State int32

const (
	// 已 start，资源正在该分支上工作
	StateActive State = iota
	// 已 end，可以进入 prepare
	StateEnded
	// prepare 投票通过
	StatePrepared
	// prepare 投票为只读，无需第二阶段
	StateReadOnly
	StateCommitted
	StateRolledBack
	// 资源做出了启发式决定且已被 forget
	StateHeuristic
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateReadOnly:
		return "READONLY"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLEDBACK"
	case StateHeuristic:
		return "HEURISTIC"
	default:
		return fmt.Sprintf("!invalid state (%d)!", int32(s))
	}
}

// Branch 一个资源在全局事务中的分支
type Branch struct {
	xid      xa.Xid
	resource xa.Resource
	position int
	sequence int
	joined   bool
	emulated bool
	state    atomic.Int32
}

func (b *Branch) Xid() xa.Xid {
	return b.xid
}

func (b *Branch) Resource() xa.Resource {
	return b.resource
}

func (b *Branch) UniqueName() string {
	return b.resource.UniqueName()
}

// Position 两阶段提交时的执行顺位
func (b *Branch) Position() int {
	return b.position
}

// Joined 是否以 TMJOIN 加入了已有分支
func (b *Branch) Joined() bool {
	return b.joined
}

func (b *Branch) Emulated() bool {
	return b.emulated
}

func (b *Branch) State() State {
	return State(b.state.Load())
}

func (b *Branch) SetState(state State) {
	b.state.Store(int32(state))
}

func (b *Branch) String() string {
	return fmt.Sprintf("a branch of resource %s at position %d with %s in state %s", b.UniqueName(), b.position, b.xid, b.State())
}

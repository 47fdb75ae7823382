package branch

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/uid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// LastPosition 模拟资源默认的顺位，保证其最后 prepare
const LastPosition = math.MaxInt32

// EnlistOptions 单次加入事务时的选项
type EnlistOptions struct {
	// 为 true 时使用 Position 作为固定顺位，否则按照加入顺序分配
	Pinned   bool
	Position int
	// 模拟 XA 的非 XA 资源
	Emulated bool
}

type positionItem struct {
	position int
	branches []*Branch
}

func (p *positionItem) Less(than btree.Item) bool {
	return p.position < than.(*positionItem).position
}

// Registry 单个事务内按照顺位组织的分支集合.
// 只允许持有事务的协程修改.
type Registry struct {
	gtrid            uid.Uid
	newBqual         func() uid.Uid
	allowMultipleLRC bool

	mux          sync.RWMutex
	positions    *btree.BTree
	branches     []*Branch
	nextPosition int
}

func NewRegistry(gtrid uid.Uid, newBqual func() uid.Uid, allowMultipleLRC bool) *Registry {
	return &Registry{
		gtrid:            gtrid,
		newBqual:         newBqual,
		allowMultipleLRC: allowMultipleLRC,
		positions:        btree.New(8),
	}
}

// Enlist 将资源加入事务.
// 已有分支属于同一个资源管理器时，复用其 xid 与顺位并以 TMJOIN 调用 start；否则分配新的 BQUAL 与顺位.
func (r *Registry) Enlist(ctx context.Context, res xa.Resource, opts EnlistOptions) (*Branch, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	for _, b := range r.branches {
		if b.resource == res && b.State() == StateActive {
			log.DebugContextf(ctx, "resource %s already enlisted in %s", res.UniqueName(), b)
			return b, nil
		}
	}

	joinable, err := r.findJoinable(res)
	if err != nil {
		return nil, err
	}

	b := Branch{
		resource: res,
		sequence: len(r.branches),
		emulated: opts.Emulated,
	}
	flags := xa.TMNoFlags
	if joinable != nil {
		b.xid = joinable.xid
		b.position = joinable.position
		b.joined = true
		flags = xa.TMJoin
	} else {
		if opts.Emulated && !r.allowMultipleLRC {
			for _, enlisted := range r.branches {
				if enlisted.emulated {
					return nil, xa.NewError(xa.XAERProto, "cannot enlist more than one non-XA resource, tried enlisting %s, already enlisted: %s", res.UniqueName(), enlisted)
				}
			}
		}
		b.xid = xa.NewXid(r.gtrid, r.newBqual())
		if opts.Pinned {
			b.position = opts.Position
		} else {
			b.position = r.nextPosition
			r.nextPosition++
		}
	}

	log.DebugContextf(ctx, "starting resource %s on %s with %s", res.UniqueName(), b.xid, flags)
	if err := res.Start(ctx, b.xid, flags); err != nil {
		if !b.joined && !opts.Pinned {
			r.nextPosition--
		}
		return nil, err
	}
	b.SetState(StateActive)

	r.branches = append(r.branches, &b)
	if item := r.positions.Get(&positionItem{position: b.position}); item != nil {
		p := item.(*positionItem)
		p.branches = append(p.branches, &b)
	} else {
		r.positions.ReplaceOrInsert(&positionItem{position: b.position, branches: []*Branch{&b}})
	}
	return &b, nil
}

func (r *Registry) findJoinable(res xa.Resource) (*Branch, error) {
	for _, b := range r.branches {
		if state := b.State(); state != StateActive && state != StateEnded {
			continue
		}
		same, err := b.resource.IsSameRM(res)
		if err != nil {
			return nil, fmt.Errorf("cannot compare resource %s with enlisted %s: %w", res.UniqueName(), b, err)
		}
		if same {
			return b, nil
		}
	}
	return nil, nil
}

// Delist 结束资源在分支上的工作
func (r *Registry) Delist(ctx context.Context, b *Branch, flags xa.Flag) error {
	if b.State() != StateActive {
		return nil
	}
	log.DebugContextf(ctx, "ending %s with %s", b, flags)
	if err := b.resource.End(ctx, b.xid, flags); err != nil {
		return err
	}
	b.SetState(StateEnded)
	return nil
}

// DelistAll 结束所有仍处于活跃状态的分支
func (r *Registry) DelistAll(ctx context.Context, flags xa.Flag) error {
	var errs error
	for _, b := range r.All() {
		if err := r.Delist(ctx, b, flags); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resource %s failed to end %s: %w", b.UniqueName(), b.xid, err))
		}
	}
	return errs
}

// Find 查找资源对应的活跃分支
func (r *Registry) Find(res xa.Resource) *Branch {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, b := range r.branches {
		if b.resource == res && b.State() == StateActive {
			return b
		}
	}
	return nil
}

// All 按加入顺序返回全部分支
func (r *Registry) All() []*Branch {
	r.mux.RLock()
	defer r.mux.RUnlock()
	out := make([]*Branch, len(r.branches))
	copy(out, r.branches)
	return out
}

func (r *Registry) Size() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.branches)
}

// UniqueNames 去重后的资源名称
func (r *Registry) UniqueNames() []string {
	return UniqueNames(r.All())
}

// InPositionOrder 按顺位升序分组，组内按加入顺序
func (r *Registry) InPositionOrder() [][]*Branch {
	r.mux.RLock()
	defer r.mux.RUnlock()
	groups := make([][]*Branch, 0, r.positions.Len())
	r.positions.Ascend(func(i btree.Item) bool {
		p := i.(*positionItem)
		group := make([]*Branch, len(p.branches))
		copy(group, p.branches)
		groups = append(groups, group)
		return true
	})
	return groups
}

// InReverseOrder 按顺位降序分组，组内按加入顺序的逆序
func (r *Registry) InReverseOrder() [][]*Branch {
	r.mux.RLock()
	defer r.mux.RUnlock()
	groups := make([][]*Branch, 0, r.positions.Len())
	r.positions.Descend(func(i btree.Item) bool {
		p := i.(*positionItem)
		group := make([]*Branch, 0, len(p.branches))
		for j := len(p.branches) - 1; j >= 0; j-- {
			group = append(group, p.branches[j])
		}
		groups = append(groups, group)
		return true
	})
	return groups
}

// UniqueNames 收集分支涉及的资源名称，保持首次出现的顺序
func UniqueNames(branches []*Branch) []string {
	seen := make(map[string]struct{}, len(branches))
	names := make([]string, 0, len(branches))
	for _, b := range branches {
		name := b.UniqueName()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

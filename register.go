package goxa

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaoxuxiansheng/goxa/branch"
	"github.com/xiaoxuxiansheng/goxa/recovery"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type ResourceOptions struct {
	// 固定的两阶段提交顺位，未设置时按加入事务的顺序分配
	Position *int
	// 恢复扫描失败时不上报错误
	IgnoreRecoveryFailures bool
	// 不支持 XA 的模拟资源，只允许最后一个 prepare
	Emulated bool
}

type ResourceOption func(*ResourceOptions)

func WithPosition(position int) ResourceOption {
	return func(o *ResourceOptions) {
		o.Position = &position
	}
}

// WithLastPosition 在所有其他资源之后 prepare，LRC 资源默认使用
func WithLastPosition() ResourceOption {
	return WithPosition(branch.LastPosition)
}

func WithIgnoreRecoveryFailures() ResourceOption {
	return func(o *ResourceOptions) {
		o.IgnoreRecoveryFailures = true
	}
}

func WithEmulated() ResourceOption {
	return func(o *ResourceOptions) {
		o.Emulated = true
	}
}

type registration struct {
	resource xa.Resource
	opts     ResourceOptions
}

func (r *registration) enlistOptions() branch.EnlistOptions {
	opts := branch.EnlistOptions{Emulated: r.opts.Emulated}
	if r.opts.Position != nil {
		opts.Pinned = true
		opts.Position = *r.opts.Position
	}
	return opts
}

func (r *registration) target() recovery.Target {
	return recovery.Target{
		Resource:               r.resource,
		IgnoreRecoveryFailures: r.opts.IgnoreRecoveryFailures,
	}
}

type registryCenter struct {
	mux       sync.RWMutex
	resources map[string]*registration
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		resources: make(map[string]*registration),
	}
}

func (r *registryCenter) register(res xa.Resource, opts ...ResourceOption) (*registration, error) {
	name := res.UniqueName()
	if name == "" {
		return nil, fmt.Errorf("resource unique name cannot be empty")
	}

	reg := registration{resource: res}
	for _, opt := range opts {
		opt(&reg.opts)
	}
	if xa.IsEmulated(res) {
		reg.opts.Emulated = true
	}
	if reg.opts.Emulated && reg.opts.Position == nil {
		last := branch.LastPosition
		reg.opts.Position = &last
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateResource, name)
	}
	r.resources[name] = &reg
	return &reg, nil
}

func (r *registryCenter) unregister(name string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.resources[name]; !ok {
		return false
	}
	delete(r.resources, name)
	return true
}

func (r *registryCenter) get(name string) (*registration, error) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	reg, ok := r.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return reg, nil
}

// targets 按名称排序，保证恢复顺序稳定
func (r *registryCenter) targets() []recovery.Target {
	r.mux.RLock()
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	r.mux.RUnlock()
	sort.Strings(names)

	targets := make([]recovery.Target, 0, len(names))
	for _, name := range names {
		if reg, err := r.get(name); err == nil {
			targets = append(targets, reg.target())
		}
	}
	return targets
}

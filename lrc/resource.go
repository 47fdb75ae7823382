// Package lrc 在不支持 XA 的数据库连接上模拟 XA 协议（Last Resource Commit）.
// prepare 阶段即提交本地事务，因此该资源必须最后一个 prepare.
package lrc

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type state int

const (
	stateNoTx state = iota
	stateStarted
	stateEnded
	statePrepared
)

func (s state) String() string {
	switch s {
	case stateNoTx:
		return "NO_TX"
	case stateStarted:
		return "STARTED"
	case stateEnded:
		return "ENDED"
	case statePrepared:
		return "PREPARED"
	default:
		return fmt.Sprintf("!invalid state (%d)!", int(s))
	}
}

// Resource 基于 gorm 本地事务的模拟 XA 资源
type Resource struct {
	name string
	db   *gorm.DB

	mux   sync.Mutex
	state state
	xid   xa.Xid
	tx    *gorm.DB
}

func NewResource(name string, db *gorm.DB) *Resource {
	return &Resource{
		name: name,
		db:   db,
	}
}

func (r *Resource) UniqueName() string {
	return r.name
}

func (r *Resource) Emulated() bool {
	return true
}

// Tx 当前分支上的本地事务，未启动时返回 nil
func (r *Resource) Tx() *gorm.DB {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.state != stateStarted {
		return nil
	}
	return r.tx
}

func (r *Resource) String() string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return fmt.Sprintf("a gorm LRC resource %s in state %s", r.name, r.state)
}

func (r *Resource) Start(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	if flags != xa.TMNoFlags && flags != xa.TMJoin {
		return xa.NewError(xa.XAERRMErr, "unsupported start flag %s", flags)
	}
	if xid.IsZero() {
		return xa.NewError(xa.XAERInval, "XID cannot be empty")
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	switch r.state {
	case stateNoTx:
		if flags == xa.TMJoin {
			return xa.NewError(xa.XAERProto, "resource not yet started")
		}
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return &xa.Error{Code: xa.XAERRMErr, Msg: "cannot begin local transaction", Cause: tx.Error}
		}
		log.DebugContextf(ctx, "OK to start, old state=%s, XID=%s, flag=%s", r.state, xid, flags)
		r.tx = tx
		r.xid = xid
	case stateStarted:
		return xa.NewError(xa.XAERProto, "resource already started on XID %s", r.xid)
	case stateEnded:
		if flags == xa.TMNoFlags {
			return xa.NewError(xa.XAERDupID, "resource already registered XID %s", r.xid)
		}
		if !xid.Equal(r.xid) {
			return xa.NewError(xa.XAERRMErr, "resource already started on XID %s - cannot start it on more than one XID at a time", r.xid)
		}
		log.DebugContextf(ctx, "OK to join, old state=%s, XID=%s, flag=%s", r.state, xid, flags)
	case statePrepared:
		return xa.NewError(xa.XAERProto, "resource already prepared on XID %s", r.xid)
	}
	r.state = stateStarted
	return nil
}

func (r *Resource) End(ctx context.Context, xid xa.Xid, flags xa.Flag) error {
	if flags != xa.TMSuccess && flags != xa.TMFail {
		return xa.NewError(xa.XAERRMErr, "unsupported end flag %s", flags)
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	switch r.state {
	case stateNoTx:
		return xa.NewError(xa.XAERProto, "resource never started on XID %s", xid)
	case stateStarted:
		if !xid.Equal(r.xid) {
			return xa.NewError(xa.XAERProto, "resource already started on XID %s - cannot end it on another XID %s", r.xid, xid)
		}
	case stateEnded:
		return xa.NewError(xa.XAERProto, "resource already ended on XID %s", xid)
	case statePrepared:
		return xa.NewError(xa.XAERProto, "cannot end, resource already prepared on XID %s", xid)
	}

	if flags == xa.TMFail {
		err := r.tx.Rollback().Error
		r.reset()
		if err != nil {
			return &xa.Error{Code: xa.XAERRMErr, Msg: "error rolling back resource on end", Cause: err}
		}
		return nil
	}
	r.state = stateEnded
	return nil
}

// Prepare 提交本地事务
func (r *Resource) Prepare(ctx context.Context, xid xa.Xid) (xa.Vote, error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	switch r.state {
	case stateNoTx:
		return 0, xa.NewError(xa.XAERProto, "resource never started on XID %s", xid)
	case stateStarted:
		return 0, xa.NewError(xa.XAERProto, "resource never ended on XID %s", xid)
	case stateEnded:
		if !xid.Equal(r.xid) {
			return 0, xa.NewError(xa.XAERProto, "resource already started on XID %s - cannot prepare it on another XID %s", r.xid, xid)
		}
	case statePrepared:
		return 0, xa.NewError(xa.XAERProto, "resource already prepared on XID %s", r.xid)
	}

	if err := r.tx.Commit().Error; err != nil {
		return 0, &xa.Error{Code: xa.XAERRMErr, Msg: "error preparing non-XA resource", Cause: err}
	}
	r.state = statePrepared
	return xa.VoteOK, nil
}

func (r *Resource) Commit(ctx context.Context, xid xa.Xid, onePhase bool) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	switch r.state {
	case stateNoTx:
		return xa.NewError(xa.XAERProto, "resource never started on XID %s", xid)
	case stateStarted:
		return xa.NewError(xa.XAERProto, "resource never ended on XID %s", xid)
	case stateEnded:
		if !onePhase {
			return xa.NewError(xa.XAERProto, "resource never prepared on XID %s", xid)
		}
		if err := r.tx.Commit().Error; err != nil {
			r.reset()
			return &xa.Error{Code: xa.XAERRMErr, Msg: "error committing (one phase) non-XA resource", Cause: err}
		}
	case statePrepared:
		if onePhase {
			return xa.NewError(xa.XAERProto, "cannot commit in one phase as resource has been prepared on XID %s", xid)
		}
		if !xid.Equal(r.xid) {
			return xa.NewError(xa.XAERProto, "resource already started on XID %s - cannot commit it on another XID %s", r.xid, xid)
		}
	}
	r.reset()
	return nil
}

func (r *Resource) Rollback(ctx context.Context, xid xa.Xid) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	switch r.state {
	case stateNoTx:
		// end(TMFAIL) 已经回滚了本地事务
		return xa.NewError(xa.XAERNota, "resource never started or already rolled back on XID %s", xid)
	case stateStarted, stateEnded:
		if !xid.Equal(r.xid) {
			return xa.NewError(xa.XAERProto, "resource already started on XID %s - cannot roll it back on another XID %s", r.xid, xid)
		}
	case statePrepared:
		r.reset()
		return xa.NewError(xa.XAHeurCom, "resource committed during prepare on XID %s", xid)
	}

	err := r.tx.Rollback().Error
	r.reset()
	if err != nil {
		return &xa.Error{Code: xa.XAERRMErr, Msg: "error rolling back non-XA resource", Cause: err}
	}
	return nil
}

// Forget 本地事务没有需要忘记的启发式决定
func (r *Resource) Forget(ctx context.Context, xid xa.Xid) error {
	return nil
}

// Recover 本地事务不会残留 in-doubt 分支
func (r *Resource) Recover(ctx context.Context, flags xa.Flag) ([]xa.Xid, error) {
	return nil, nil
}

func (r *Resource) IsSameRM(other xa.Resource) (bool, error) {
	o, ok := other.(*Resource)
	return ok && o == r, nil
}

func (r *Resource) reset() {
	r.state = stateNoTx
	r.xid = xa.Xid{}
	r.tx = nil
}

package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xiaoxuxiansheng/goxa/uid"
)

// Status 事务状态，同时作为日志记录中的状态码
type Status int32

const (
	StatusActive         Status = 0
	StatusMarkedRollback Status = 1
	StatusPrepared       Status = 2
	StatusCommitted      Status = 3
	StatusRolledBack     Status = 4
	StatusUnknown        Status = 5
	StatusNoTransaction  Status = 6
	StatusPreparing      Status = 7
	StatusCommitting     Status = 8
	StatusRollingBack    Status = 9
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLEDBACK"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusNoTransaction:
		return "NO_TRANSACTION"
	case StatusPreparing:
		return "PREPARING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRollingBack:
		return "ROLLING_BACK"
	default:
		return fmt.Sprintf("!invalid status (%d)!", int32(s))
	}
}

// ParseStatus String 的逆操作
func ParseStatus(s string) (Status, error) {
	for status := StatusActive; status <= StatusRollingBack; status++ {
		if status.String() == s {
			return status, nil
		}
	}
	return 0, fmt.Errorf("invalid status: %s", s)
}

// IsTerminal 事务已经到达终态
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Record 一条事务状态日志
type Record struct {
	Status      Status
	Gtrid       uid.Uid
	UniqueNames []string
	Time        time.Time
	Sequence    int32
}

// NewRecord 资源名称会被去重并排序
func NewRecord(status Status, gtrid uid.Uid, uniqueNames []string, at time.Time, sequence int32) *Record {
	return &Record{
		Status:      status,
		Gtrid:       gtrid,
		UniqueNames: normalizeNames(uniqueNames),
		Time:        at,
		Sequence:    sequence,
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("a journal record with status=%s, gtrid=%s, names=%s, time=%d, sequence=%d",
		r.Status, r.Gtrid, strings.Join(r.UniqueNames, ","), r.Time.UnixMilli(), r.Sequence)
}

func normalizeNames(names []string) []string {
	set := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := set[name]; ok {
			continue
		}
		set[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Journal 事务状态的预写日志
type Journal interface {
	Open(ctx context.Context) error
	Close() error
	// Log 追加一条日志，持久化完成后才返回
	Log(ctx context.Context, status Status, gtrid uid.Uid, uniqueNames []string) error
	Force(ctx context.Context) error
	// CollectDanglingRecords 返回已经进入 COMMITTING 但尚未被全部资源提交的事务
	CollectDanglingRecords(ctx context.Context) (map[uid.Uid]*Record, error)
}

// ShouldLog 开启状态过滤时只记录恢复流程需要的状态
func ShouldLog(status Status, filter bool) bool {
	if !filter {
		return true
	}
	switch status {
	case StatusCommitting, StatusCommitted, StatusUnknown:
		return true
	}
	return false
}

// DanglingCollector 从按写入顺序排列的日志中计算悬挂事务
type DanglingCollector struct {
	dangling map[uid.Uid]*Record
}

func NewDanglingCollector() *DanglingCollector {
	return &DanglingCollector{dangling: make(map[uid.Uid]*Record)}
}

func (c *DanglingCollector) Add(r *Record) {
	switch r.Status {
	case StatusCommitting:
		if existing, ok := c.dangling[r.Gtrid]; ok {
			merged := *r
			merged.UniqueNames = normalizeNames(append(append([]string{}, existing.UniqueNames...), r.UniqueNames...))
			c.dangling[r.Gtrid] = &merged
			return
		}
		c.dangling[r.Gtrid] = r
	case StatusCommitted, StatusUnknown:
		existing, ok := c.dangling[r.Gtrid]
		if !ok {
			return
		}
		done := make(map[string]struct{}, len(r.UniqueNames))
		for _, name := range r.UniqueNames {
			done[name] = struct{}{}
		}
		remaining := make([]string, 0, len(existing.UniqueNames))
		for _, name := range existing.UniqueNames {
			if _, ok := done[name]; !ok {
				remaining = append(remaining, name)
			}
		}
		if len(remaining) == 0 {
			delete(c.dangling, r.Gtrid)
			return
		}
		left := *existing
		left.UniqueNames = remaining
		c.dangling[r.Gtrid] = &left
	}
}

func (c *DanglingCollector) Records() map[uid.Uid]*Record {
	out := make(map[uid.Uid]*Record, len(c.dangling))
	for gtrid, r := range c.dangling {
		out[gtrid] = r
	}
	return out
}

// NullJournal 不做任何持久化
type NullJournal struct{}

func NewNullJournal() *NullJournal {
	return &NullJournal{}
}

func (n *NullJournal) Open(ctx context.Context) error {
	return nil
}

func (n *NullJournal) Close() error {
	return nil
}

func (n *NullJournal) Log(ctx context.Context, status Status, gtrid uid.Uid, uniqueNames []string) error {
	return nil
}

func (n *NullJournal) Force(ctx context.Context) error {
	return nil
}

func (n *NullJournal) CollectDanglingRecords(ctx context.Context) (map[uid.Uid]*Record, error) {
	return map[uid.Uid]*Record{}, nil
}

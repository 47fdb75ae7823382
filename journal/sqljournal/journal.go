// Package sqljournal 将事务状态日志写入数据库表，适合多个节点共享日志的部署.
package sqljournal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/demdxx/gocast"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/journal"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/uid"
)

type Options struct {
	FilterLogStatus bool
	Now             func() time.Time
}

type Option func(*Options)

func WithFilterLogStatus(filter bool) Option {
	return func(o *Options) {
		o.FilterLogStatus = filter
	}
}

func WithNow(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

func repair(o *Options) {
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Journal 基于 gorm 的日志实现，每次 Log 为一次独立提交的插入
type Journal struct {
	dao  *RecordDAO
	opts Options
}

func New(db *gorm.DB, opts ...Option) *Journal {
	j := Journal{dao: NewRecordDAO(db)}
	for _, opt := range opts {
		opt(&j.opts)
	}
	repair(&j.opts)
	return &j
}

func (j *Journal) Open(ctx context.Context) error {
	if j.dao.db == nil {
		return errors.New("sql journal has no database")
	}
	return nil
}

func (j *Journal) Close() error {
	return nil
}

func (j *Journal) Log(ctx context.Context, status journal.Status, gtrid uid.Uid, uniqueNames []string) error {
	if !journal.ShouldLog(status, j.opts.FilterLogStatus) {
		return nil
	}

	record := journal.NewRecord(status, gtrid, uniqueNames, j.opts.Now(), 0)
	body, err := json.Marshal(record.UniqueNames)
	if err != nil {
		return err
	}
	id, err := j.dao.CreateRecord(ctx, &RecordPO{
		Status:      status.String(),
		Gtrid:       gtrid.String(),
		UniqueNames: string(body),
		CreatedAt:   record.Time,
	})
	if err != nil {
		return fmt.Errorf("cannot log %s for %s: %w", status, gtrid, err)
	}
	log.DebugContextf(ctx, "logged %s for %s as row %s", status, gtrid, gocast.ToString(id))
	return nil
}

// Force 每次插入都已提交
func (j *Journal) Force(ctx context.Context) error {
	return nil
}

func (j *Journal) CollectDanglingRecords(ctx context.Context) (map[uid.Uid]*journal.Record, error) {
	records, err := j.readRecords(ctx)
	if err != nil {
		return nil, err
	}
	c := journal.NewDanglingCollector()
	for _, r := range records {
		c.Add(r)
	}
	return c.Records(), nil
}

func (j *Journal) readRecords(ctx context.Context, opts ...QueryOption) ([]*journal.Record, error) {
	opts = append([]QueryOption{WithStatuses(
		journal.StatusCommitting.String(),
		journal.StatusCommitted.String(),
		journal.StatusUnknown.String(),
	)}, opts...)
	pos, err := j.dao.GetRecords(ctx, opts...)
	if err != nil {
		return nil, err
	}

	records := make([]*journal.Record, 0, len(pos))
	for _, po := range pos {
		r, err := toRecord(po)
		if err != nil {
			return nil, &journal.CorruptedLogError{Path: RecordPO{}.TableName(), Offset: int64(po.ID), Reason: err}
		}
		records = append(records, r)
	}
	return records, nil
}

// Compact 删除不再被悬挂事务引用的记录
func (j *Journal) Compact(ctx context.Context) error {
	pos, err := j.dao.GetRecords(ctx)
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		return nil
	}

	c := journal.NewDanglingCollector()
	for _, po := range pos {
		r, err := toRecord(po)
		if err != nil {
			return &journal.CorruptedLogError{Path: RecordPO{}.TableName(), Offset: int64(po.ID), Reason: err}
		}
		c.Add(r)
	}
	keep := make([]string, 0)
	for gtrid := range c.Records() {
		keep = append(keep, gtrid.String())
	}

	last := pos[len(pos)-1].ID
	deleted, err := j.dao.DeleteRecords(ctx, WithIDUpTo(last), WithGtridNotIn(keep))
	if err != nil {
		return err
	}
	log.InfoContextf(ctx, "compacted sql journal up to row %s, deleted %d record(s), kept %d dangling transaction(s)", gocast.ToString(last), deleted, len(keep))
	return nil
}

func toRecord(po *RecordPO) (*journal.Record, error) {
	status, err := journal.ParseStatus(po.Status)
	if err != nil {
		return nil, err
	}
	gtrid, err := uid.Parse(po.Gtrid)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal([]byte(po.UniqueNames), &names); err != nil {
		return nil, err
	}
	return journal.NewRecord(status, gtrid, names, po.CreatedAt, gocast.ToInt32(po.ID)), nil
}

package sqljournal

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type RecordPO struct {
	ID          uint      `gorm:"column:id;primaryKey"`
	Status      string    `gorm:"column:status"`
	Gtrid       string    `gorm:"column:gtrid"`
	UniqueNames string    `gorm:"column:unique_names"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (r RecordPO) TableName() string {
	return "xa_journal"
}

type QueryOption func(db *gorm.DB) *gorm.DB

func WithStatuses(statuses ...string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status IN ?", statuses)
	}
}

func WithGtrid(gtrid string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("gtrid = ?", gtrid)
	}
}

func WithIDUpTo(id uint) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id <= ?", id)
	}
}

func WithGtridNotIn(gtrids []string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if len(gtrids) == 0 {
			return db
		}
		return db.Where("gtrid NOT IN ?", gtrids)
	}
}

type RecordDAO struct {
	db *gorm.DB
}

func NewRecordDAO(db *gorm.DB) *RecordDAO {
	return &RecordDAO{
		db: db,
	}
}

// GetRecords 按写入顺序返回日志记录
func (r *RecordDAO) GetRecords(ctx context.Context, opts ...QueryOption) ([]*RecordPO, error) {
	db := r.db.WithContext(ctx).Model(&RecordPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*RecordPO
	return records, db.Order("id").Find(&records).Error
}

func (r *RecordDAO) CreateRecord(ctx context.Context, record *RecordPO) (uint, error) {
	err := r.db.WithContext(ctx).Model(&RecordPO{}).Create(record).Error
	return record.ID, err
}

func (r *RecordDAO) DeleteRecords(ctx context.Context, opts ...QueryOption) (int64, error) {
	db := r.db.WithContext(ctx)
	for _, opt := range opts {
		db = opt(db)
	}
	res := db.Delete(&RecordPO{})
	return res.RowsAffected, res.Error
}

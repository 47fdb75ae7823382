package sqljournal

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// NewDB 以 mysql dsn 打开日志所在的数据库
func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sql journal dsn cannot be empty")
	}
	return gorm.Open(mysql.Open(dsn), opts...)
}

// Open 打开数据库并构造日志
func Open(dsn string, opts ...Option) (*Journal, error) {
	db, err := NewDB(dsn, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect journal database, err: %w", err)
	}
	return New(db, opts...), nil
}

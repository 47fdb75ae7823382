package goxa

import "github.com/xiaoxuxiansheng/goxa/journal"

// Status 全局事务状态，与日志记录中的状态码一致
type Status = journal.Status

const (
	StatusActive         = journal.StatusActive
	StatusMarkedRollback = journal.StatusMarkedRollback
	StatusPrepared       = journal.StatusPrepared
	StatusCommitted      = journal.StatusCommitted
	StatusRolledBack     = journal.StatusRolledBack
	StatusUnknown        = journal.StatusUnknown
	StatusNoTransaction  = journal.StatusNoTransaction
	StatusPreparing      = journal.StatusPreparing
	StatusCommitting     = journal.StatusCommitting
	StatusRollingBack    = journal.StatusRollingBack
)

// 状态机允许的迁移
var transitions = map[Status][]Status{
	StatusActive:         {StatusMarkedRollback, StatusPreparing, StatusCommitting, StatusRollingBack, StatusCommitted},
	StatusMarkedRollback: {StatusRollingBack},
	StatusPreparing:      {StatusPrepared, StatusRollingBack},
	StatusPrepared:       {StatusCommitting, StatusCommitted, StatusRollingBack},
	StatusCommitting:     {StatusCommitted, StatusUnknown, StatusRolledBack},
	StatusRollingBack:    {StatusRolledBack},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

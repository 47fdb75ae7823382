// Package config 事务管理器的配置项，支持 toml 文件与 goxa.* 属性表两种来源.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const (
	JournalDisk = "disk"
	JournalNull = "null"
	JournalSQL  = "sql"

	ExecutorSync  = "sync"
	ExecutorAsync = "async"
	ExecutorPool  = "pool"
)

type Configuration struct {
	// 节点唯一标识，嵌入到生成的 GTRID 中
	ServerID string `toml:"server-id"`

	Journal            string `toml:"journal"`
	LogPart1Filename   string `toml:"log-part1-filename"`
	LogPart2Filename   string `toml:"log-part2-filename"`
	ForcedWriteEnabled bool   `toml:"forced-write-enabled"`
	MaxLogSizeInMB     int    `toml:"max-log-size-in-mb"`
	// 只记录 COMMITTING / COMMITTED / UNKNOWN
	FilterLogStatus   bool   `toml:"filter-log-status"`
	SkipCorruptedLogs bool   `toml:"skip-corrupted-logs"`
	SQLJournalDSN     string `toml:"sql-journal-dsn"`

	Executor string `toml:"executor"`
	PoolSize int    `toml:"pool-size"`

	WarnAboutZeroResourceTransaction bool `toml:"warn-about-zero-resource-transaction"`
	DebugZeroResourceTransaction     bool `toml:"debug-zero-resource-transaction"`

	DefaultTransactionTimeout  time.Duration `toml:"default-transaction-timeout"`
	GracefulShutdownInterval   time.Duration `toml:"graceful-shutdown-interval"`
	BackgroundRecoveryInterval time.Duration `toml:"background-recovery-interval"`
	CurrentNodeOnlyRecovery    bool          `toml:"current-node-only-recovery"`
	AllowMultipleLRC           bool          `toml:"allow-multiple-lrc"`
	// 为空时不使用集群恢复锁
	RecoveryLockKey string `toml:"recovery-lock-key"`

	Log LogConfig `toml:"log"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	FileName   string `toml:"file-name"`
	MaxAge     int    `toml:"max-age"`
	MaxSize    int    `toml:"max-size"`
	MaxBackups int    `toml:"max-backups"`
	Compress   bool   `toml:"compress"`
}

func Default() *Configuration {
	return &Configuration{
		Journal:                          JournalDisk,
		LogPart1Filename:                 "goxa-part1.tlog",
		LogPart2Filename:                 "goxa-part2.tlog",
		ForcedWriteEnabled:               true,
		MaxLogSizeInMB:                   2,
		Executor:                         ExecutorSync,
		PoolSize:                         8,
		WarnAboutZeroResourceTransaction: true,
		DefaultTransactionTimeout:        60 * time.Second,
		GracefulShutdownInterval:         60 * time.Second,
		BackgroundRecoveryInterval:       time.Minute,
		CurrentNodeOnlyRecovery:          true,
		Log: LogConfig{
			Level:      "info",
			FileName:   "goxa.log",
			MaxAge:     10,
			MaxSize:    100,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// LoadFile 在默认配置之上叠加 toml 文件中的配置
func LoadFile(path string) (*Configuration, error) {
	c := Default()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode config file %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type property struct {
	apply func(c *Configuration, v interface{}) error
}

func stringProperty(set func(c *Configuration, v string)) property {
	return property{apply: func(c *Configuration, v interface{}) error {
		s, err := cast.ToStringE(v)
		if err != nil {
			return err
		}
		set(c, s)
		return nil
	}}
}

func boolProperty(set func(c *Configuration, v bool)) property {
	return property{apply: func(c *Configuration, v interface{}) error {
		b, err := cast.ToBoolE(v)
		if err != nil {
			return err
		}
		set(c, b)
		return nil
	}}
}

func intProperty(set func(c *Configuration, v int)) property {
	return property{apply: func(c *Configuration, v interface{}) error {
		i, err := cast.ToIntE(v)
		if err != nil {
			return err
		}
		set(c, i)
		return nil
	}}
}

// durationProperty 纯数字按秒解析，其余按 time.ParseDuration 的格式解析
func durationProperty(set func(c *Configuration, v time.Duration)) property {
	return property{apply: func(c *Configuration, v interface{}) error {
		if seconds, err := cast.ToIntE(v); err == nil {
			set(c, time.Duration(seconds)*time.Second)
			return nil
		}
		d, err := cast.ToDurationE(v)
		if err != nil {
			return err
		}
		set(c, d)
		return nil
	}}
}

var properties = map[string]property{
	"goxa.serverId":         stringProperty(func(c *Configuration, v string) { c.ServerID = v }),
	"goxa.journal":          stringProperty(func(c *Configuration, v string) { c.Journal = v }),
	"goxa.logPart1Filename": stringProperty(func(c *Configuration, v string) { c.LogPart1Filename = v }),
	"goxa.logPart2Filename": stringProperty(func(c *Configuration, v string) { c.LogPart2Filename = v }),
	"goxa.forcedWriteEnabled": boolProperty(func(c *Configuration, v bool) {
		c.ForcedWriteEnabled = v
	}),
	"goxa.maxLogSizeInMb":    intProperty(func(c *Configuration, v int) { c.MaxLogSizeInMB = v }),
	"goxa.filterLogStatus":   boolProperty(func(c *Configuration, v bool) { c.FilterLogStatus = v }),
	"goxa.skipCorruptedLogs": boolProperty(func(c *Configuration, v bool) { c.SkipCorruptedLogs = v }),
	"goxa.sqlJournalDsn":     stringProperty(func(c *Configuration, v string) { c.SQLJournalDSN = v }),
	"goxa.executor":          stringProperty(func(c *Configuration, v string) { c.Executor = v }),
	"goxa.poolSize":          intProperty(func(c *Configuration, v int) { c.PoolSize = v }),
	"goxa.warnAboutZeroResourceTransaction": boolProperty(func(c *Configuration, v bool) {
		c.WarnAboutZeroResourceTransaction = v
	}),
	"goxa.debugZeroResourceTransaction": boolProperty(func(c *Configuration, v bool) {
		c.DebugZeroResourceTransaction = v
	}),
	"goxa.defaultTransactionTimeout": durationProperty(func(c *Configuration, v time.Duration) {
		c.DefaultTransactionTimeout = v
	}),
	"goxa.gracefulShutdownInterval": durationProperty(func(c *Configuration, v time.Duration) {
		c.GracefulShutdownInterval = v
	}),
	"goxa.backgroundRecoveryInterval": durationProperty(func(c *Configuration, v time.Duration) {
		c.BackgroundRecoveryInterval = v
	}),
	"goxa.currentNodeOnlyRecovery": boolProperty(func(c *Configuration, v bool) {
		c.CurrentNodeOnlyRecovery = v
	}),
	"goxa.allowMultipleLrc": boolProperty(func(c *Configuration, v bool) { c.AllowMultipleLRC = v }),
	"goxa.recoveryLockKey":  stringProperty(func(c *Configuration, v string) { c.RecoveryLockKey = v }),
	"goxa.log.level":        stringProperty(func(c *Configuration, v string) { c.Log.Level = v }),
	"goxa.log.fileName":     stringProperty(func(c *Configuration, v string) { c.Log.FileName = v }),
	"goxa.log.maxAge":       intProperty(func(c *Configuration, v int) { c.Log.MaxAge = v }),
	"goxa.log.maxSize":      intProperty(func(c *Configuration, v int) { c.Log.MaxSize = v }),
	"goxa.log.maxBackups":   intProperty(func(c *Configuration, v int) { c.Log.MaxBackups = v }),
	"goxa.log.compress":     boolProperty(func(c *Configuration, v bool) { c.Log.Compress = v }),
}

// FromProperties 在默认配置之上叠加 goxa.* 属性，其他前缀的属性被忽略
func FromProperties(props map[string]string) (*Configuration, error) {
	c := Default()
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !strings.HasPrefix(key, "goxa.") {
			continue
		}
		p, ok := properties[key]
		if !ok {
			return nil, fmt.Errorf("unknown configuration property %s", key)
		}
		if err := p.apply(c, strings.TrimSpace(props[key])); err != nil {
			return nil, errors.Wrapf(err, "invalid value for configuration property %s", key)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) Validate() error {
	switch c.Journal {
	case JournalDisk:
		if c.LogPart1Filename == "" || c.LogPart2Filename == "" {
			return fmt.Errorf("disk journal requires both log part filenames")
		}
		if c.LogPart1Filename == c.LogPart2Filename {
			return fmt.Errorf("log part filenames must differ, got %s twice", c.LogPart1Filename)
		}
		if c.MaxLogSizeInMB <= 0 {
			return fmt.Errorf("max log size must be greater than 0, got %d", c.MaxLogSizeInMB)
		}
	case JournalNull:
	case JournalSQL:
		if c.SQLJournalDSN == "" {
			return fmt.Errorf("sql journal requires a dsn")
		}
	default:
		return fmt.Errorf("unknown journal %q", c.Journal)
	}

	switch c.Executor {
	case ExecutorSync, ExecutorAsync:
	case ExecutorPool:
		if c.PoolSize <= 0 {
			return fmt.Errorf("pool executor requires a positive pool size, got %d", c.PoolSize)
		}
	default:
		return fmt.Errorf("unknown executor %q", c.Executor)
	}

	if c.DefaultTransactionTimeout <= 0 {
		return fmt.Errorf("default transaction timeout must be greater than 0")
	}
	if c.GracefulShutdownInterval < 0 || c.BackgroundRecoveryInterval < 0 {
		return fmt.Errorf("intervals cannot be negative")
	}
	return nil
}

// MaxLogSize 单个日志分段的字节数
func (c *Configuration) MaxLogSize() int64 {
	return int64(c.MaxLogSizeInMB) * 1024 * 1024
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_default(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, JournalDisk, c.Journal)
	assert.Equal(t, ExecutorSync, c.Executor)
	assert.Equal(t, int64(2*1024*1024), c.MaxLogSize())
	assert.Equal(t, 60*time.Second, c.DefaultTransactionTimeout)
}

func Test_load_file(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	tests := []struct {
		name string
		f    func(t *testing.T)
	}{
		{
			name: "overrides defaults",
			f: func(t *testing.T) {
				path := write("ok.toml", `
server-id = "node-1"
executor = "pool"
pool-size = 4
default-transaction-timeout = "5s"
background-recovery-interval = "30s"
allow-multiple-lrc = true

[log]
level = "debug"
file-name = ""
`)
				c, err := LoadFile(path)
				require.NoError(t, err)
				assert.Equal(t, "node-1", c.ServerID)
				assert.Equal(t, ExecutorPool, c.Executor)
				assert.Equal(t, 4, c.PoolSize)
				assert.Equal(t, 5*time.Second, c.DefaultTransactionTimeout)
				assert.Equal(t, 30*time.Second, c.BackgroundRecoveryInterval)
				assert.True(t, c.AllowMultipleLRC)
				assert.Equal(t, "debug", c.Log.Level)
				assert.Empty(t, c.Log.FileName)
				assert.Equal(t, "goxa-part1.tlog", c.LogPart1Filename)
			},
		},
		{
			name: "unknown key",
			f: func(t *testing.T) {
				path := write("unknown.toml", `no-such-key = 1`)
				_, err := LoadFile(path)
				assert.ErrorContains(t, err, "no-such-key")
			},
		},
		{
			name: "invalid journal",
			f: func(t *testing.T) {
				path := write("journal.toml", `journal = "tape"`)
				_, err := LoadFile(path)
				assert.ErrorContains(t, err, "unknown journal")
			},
		},
		{
			name: "missing file",
			f: func(t *testing.T) {
				_, err := LoadFile(filepath.Join(dir, "missing.toml"))
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.f)
	}
}

func Test_from_properties(t *testing.T) {
	c, err := FromProperties(map[string]string{
		"goxa.serverId":                  "node-2",
		"goxa.journal":                   "null",
		"goxa.forcedWriteEnabled":        "false",
		"goxa.defaultTransactionTimeout": "30",
		"goxa.gracefulShutdownInterval":  "1500ms",
		"goxa.currentNodeOnlyRecovery":   "false",
		"goxa.poolSize":                  " 16 ",
		"goxa.log.compress":              "false",
		"other.framework.key":            "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "node-2", c.ServerID)
	assert.Equal(t, JournalNull, c.Journal)
	assert.False(t, c.ForcedWriteEnabled)
	assert.Equal(t, 30*time.Second, c.DefaultTransactionTimeout)
	assert.Equal(t, 1500*time.Millisecond, c.GracefulShutdownInterval)
	assert.False(t, c.CurrentNodeOnlyRecovery)
	assert.Equal(t, 16, c.PoolSize)
	assert.False(t, c.Log.Compress)

	_, err = FromProperties(map[string]string{"goxa.poolSize": "many"})
	assert.ErrorContains(t, err, "goxa.poolSize")
	_, err = FromProperties(map[string]string{"goxa.unknown": "1"})
	assert.ErrorContains(t, err, "unknown configuration property")
	_, err = FromProperties(map[string]string{"goxa.journal": "sql"})
	assert.ErrorContains(t, err, "dsn")
}

func Test_validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Configuration)
		errMsg string
	}{
		{name: "same part filenames", mutate: func(c *Configuration) { c.LogPart2Filename = c.LogPart1Filename }, errMsg: "must differ"},
		{name: "zero log size", mutate: func(c *Configuration) { c.MaxLogSizeInMB = 0 }, errMsg: "max log size"},
		{name: "empty pool", mutate: func(c *Configuration) { c.Executor, c.PoolSize = ExecutorPool, 0 }, errMsg: "pool size"},
		{name: "unknown executor", mutate: func(c *Configuration) { c.Executor = "fork" }, errMsg: "unknown executor"},
		{name: "zero timeout", mutate: func(c *Configuration) { c.DefaultTransactionTimeout = 0 }, errMsg: "timeout"},
		{name: "negative interval", mutate: func(c *Configuration) { c.BackgroundRecoveryInterval = -time.Second }, errMsg: "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.errMsg)
		})
	}
}

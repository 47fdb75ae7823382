package log

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_customer_logger(t *testing.T) {
	logger := NewSugarLogger(NewOptions(
		WithFileName(filepath.Join(t.TempDir(), "goxa.log")),
		WithLogLevel("info"),
		WithMaxBackups(1),
		WithCompress(false),
	))
	logger.Info("test customer logger running...")
}

func Test_default_logger(t *testing.T) {
	now := time.Now()
	Debugf("debug... now: %v", now)
	Infof("info... now: %v", now)
	Warnf("warn... now: %v", now)
	Errorf("error... now: %v", now)

	ctx := context.Background()
	DebugContext(ctx, "debug...")
	DebugContextf(ctx, "debug... now: %v", now)
	InfoContext(ctx, "info...")
	InfoContextf(ctx, "info... now: %v", now)
	WarnContext(ctx, "warn...")
	WarnContextf(ctx, "warn... now: %v", now)
	ErrorContext(ctx, "error...")
	ErrorContextf(ctx, "error... now: %v", now)
}

func Test_set_default_logger(t *testing.T) {
	origin := GetDefaultLogger()
	defer SetDefaultLogger(origin)

	logger := NewSugarLogger(NewOptions(WithFileName(""), WithLogLevel("debug")))
	SetDefaultLogger(logger)
	assert.Equal(t, logger, GetDefaultLogger())

	// nil 不会覆盖已有实现
	SetDefaultLogger(nil)
	assert.Equal(t, logger, GetDefaultLogger())
}

package xferlog

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_ConfigLevelSetsBaseline(t *testing.T) {
	logger := New(Options{ConfigLevel: LevelDebug})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestNew_DebugFlagOverridesConfig(t *testing.T) {
	logger := New(Options{ConfigLevel: LevelError, Debug: true})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestNew_QuietFlagRaisesLevel(t *testing.T) {
	logger := New(Options{ConfigLevel: LevelDebug, Quiet: true})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestNew_DefaultIsWarn(t *testing.T) {
	logger := New(Options{})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

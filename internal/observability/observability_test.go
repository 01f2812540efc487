package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

type logSettings struct{ level, format string }

func (l logSettings) LogSettings() (string, string) { return l.level, l.format }

func TestNewLogger_LevelFromConfig(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := NewLogger(logSettings{level: "warn", format: "text"})

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	assert.Same(t, logger, slog.Default())
}

func TestNewLogger_DefaultsToInfo(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := NewLogger(logSettings{level: "bogus", format: "json"})

	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestDiscardLogger(t *testing.T) {
	assert.NotPanics(t, func() { DiscardLogger().Error("dropped", "key", "value") })
}

func TestNewMetricsForTesting_Independent(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.BulletinsSwept.Add(2)

	assert.InDelta(t, 2.0, ReadValue(a.BulletinsSwept), 0.0001)
	assert.InDelta(t, 0.0, ReadValue(b.BulletinsSwept), 0.0001)
}

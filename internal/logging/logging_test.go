package logging

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/citerag/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"verbose", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNew_WritesToConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(config.LogConfig{Level: "warn", Format: "json", OutputPaths: []string{path}})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_Console(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestMustNew_FallsBackOnBadPath(t *testing.T) {
	logger := MustNew(config.LogConfig{OutputPaths: []string{"/nonexistent-dir/x/y.log"}})
	assert.NotNil(t, logger)
}

func TestFromContext(t *testing.T) {
	base := zaptest.NewLogger(t)
	reqLogger := base.With(zap.String("query_id", "q-1"))

	ctx := WithLogger(context.Background(), reqLogger)
	assert.Same(t, reqLogger, FromContext(ctx, base))
	assert.Same(t, base, FromContext(context.Background(), base))
	assert.NotNil(t, FromContext(context.Background(), nil))
	assert.NotNil(t, OrNop(nil))
}

package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerEnvironments(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		l, err := NewLogger(env, "", "")
		require.NoError(t, err, env)
		require.NotNil(t, l)
	}
	_, err := NewLogger("staging", "", "")
	assert.Error(t, err)
	_, err = NewLogger("production", "loud", "")
	assert.Error(t, err)
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota-monitor.log")
	l, err := NewLogger("development", "debug", path)
	require.NoError(t, err)
	l.Debug("hello file", zap.String("k", "v"))
	_ = l.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"msg":"hello file"`), string(raw))
}

func TestContextRoundTrip(t *testing.T) {
	l := zap.NewExample()
	ctx := ContextWithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	l, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := ContextWith(context.Background(), zap.String("operation", "changes"))
	ctx = ContextWith(ctx, zap.String("command", "watch"))
	WithContext(ctx, base).Info("feed started")
	WithContext(context.Background(), base).Info("plain")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]interface{}{"operation": "changes", "command": "watch"}, entries[0].ContextMap())
	assert.Empty(t, entries[1].ContextMap())
}

func TestContextWith_DoesNotShareFields(t *testing.T) {
	parent := ContextWith(context.Background(), zap.String("a", "1"))
	left := ContextWith(parent, zap.String("b", "2"))
	right := ContextWith(parent, zap.String("c", "3"))

	assert.Len(t, left.Value(fieldsKey), 2)
	assert.Len(t, right.Value(fieldsKey), 2)
	assert.Equal(t, "b", left.Value(fieldsKey).([]zap.Field)[1].Key)
	assert.Equal(t, "c", right.Value(fieldsKey).([]zap.Field)[1].Key)
}

func TestOrGlobal(t *testing.T) {
	l := zap.NewNop()
	assert.Same(t, l, OrGlobal(l))

	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Same(t, Get(), OrGlobal(nil))
	assert.False(t, OrGlobal(nil).Core().Enabled(zapcore.InfoLevel))
}

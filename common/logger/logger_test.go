package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestPrintfFacadeUsesInstalledLogger(t *testing.T) {
	l, logs := NewObserved(zapcore.DebugLevel)
	SetLogger(l)
	t.Cleanup(func() { SetLogger(nil) })

	Warnf("breaker %s opened", "vector-search")
	Errorf("budget exceeded by %d tokens", 12)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "breaker vector-search opened", logs.All()[0].Message)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}

func TestDebugfRespectsLevel(t *testing.T) {
	l, logs := NewObserved(zapcore.DebugLevel)
	SetLogger(l)
	t.Cleanup(func() {
		SetLogger(nil)
		SetLevel(LevelInfo)
	})

	SetLevel(LevelInfo)
	Debugf("hidden")
	assert.Equal(t, 0, logs.Len())

	SetLevel(LevelDebug)
	Debugf("shown")
	assert.Equal(t, 1, logs.Len())
}

func TestOrDefault(t *testing.T) {
	own := zap.NewExample()
	assert.Same(t, own, OrDefault(own, "x"))
	assert.NotNil(t, OrDefault(nil, "x"))
}

func TestWithContext(t *testing.T) {
	l, logs := NewObserved(zapcore.InfoLevel)
	SetLogger(l)
	t.Cleanup(func() { SetLogger(nil) })

	WithContext(map[string]interface{}{"request_id": "r1"}).Infof("done")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "r1", logs.All()[0].ContextMap()["request_id"])
}

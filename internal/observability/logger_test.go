// File: internal/observability/logger_test.go
package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// memSink collects console output in memory and counts flushes.
type memSink struct {
	strings.Builder
	syncs int
}

func (m *memSink) Sync() error {
	m.syncs++
	return nil
}

func TestInitializeWritesConsoleAndFile(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logFile := filepath.Join(t.TempDir(), "marionette.log")
	sink := &memSink{}

	Initialize(config.LoggerConfig{
		Level:       "debug",
		Format:      "json",
		ServiceName: "marionette-test",
		LogFile:     logFile,
		MaxSize:     1,
	}, zapcore.AddSync(sink))

	logger := GetLogger()
	logger.Info("hello from the test")
	require.NoError(t, logger.Sync())

	assert.Contains(t, sink.String(), "hello from the test")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(data), "\n", 2)[0]), &entry))
	assert.Equal(t, "hello from the test", entry["msg"])
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "marionette-test", entry["logger"])
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &memSink{}
	second := &memSink{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "one"}, zapcore.AddSync(first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "two"}, zapcore.AddSync(second))

	GetLogger().Info("routed to the first sink")
	assert.Contains(t, first.String(), "routed to the first sink")
	assert.Empty(t, second.String())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	sink := &memSink{}
	Initialize(config.LoggerConfig{Level: "shouting", Format: "json", ServiceName: "t"}, zapcore.AddSync(sink))

	GetLogger().Debug("below the fallback level")
	GetLogger().Info("at the fallback level")

	assert.NotContains(t, sink.String(), "below the fallback level")
	assert.Contains(t, sink.String(), "at the fallback level")
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
}

func TestSyncFlushesInitializedLogger(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	// Before initialization Sync has nothing to flush and must not panic.
	Sync()

	sink := &memSink{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "t"}, zapcore.AddSync(sink))
	GetLogger().Info("buffered entry")

	Sync()
	assert.GreaterOrEqual(t, sink.syncs, 1, "Sync must reach the underlying sink")
	assert.Contains(t, sink.String(), "buffered entry")
}

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teranos/raidpulse/sym"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestVerbosityToLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(0))
	assert.Equal(t, zapcore.InfoLevel, VerbosityToLevel(1))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(2))
	assert.Equal(t, zapcore.DebugLevel, VerbosityToLevel(7))
	assert.Equal(t, zapcore.WarnLevel, VerbosityToLevel(-1))
}

func TestInitializeReplacesNop(t *testing.T) {
	defer func() { Logger = zap.NewNop().Sugar() }()

	require.NoError(t, Initialize(false, VerbosityInfo))
	assert.NotNil(t, Logger)
	assert.False(t, JSONOutput)

	require.NoError(t, Initialize(true, VerbosityDebug))
	assert.True(t, JSONOutput)
}

func TestAddPulseSymbol(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := AddPulseSymbol(zap.New(core).Sugar())

	l.Infow("Job started", FieldJobID, "abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, sym.Pulse, ctx[FieldSymbol])
	assert.Equal(t, "abc", ctx[FieldJobID])
}

func TestLifecycleUsesGlobalLoggerWhenNil(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Logger = zap.New(core).Sugar()
	defer func() { Logger = zap.NewNop().Sugar() }()

	Lifecycle(nil, true, "Pulse daemon started")
	Lifecycle(nil, false, "Pulse daemon stopped", "jobs_processed", 4)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, sym.PulseOpen, logs.All()[0].ContextMap()[FieldSymbol])
	assert.Equal(t, sym.PulseClose, logs.All()[1].ContextMap()[FieldSymbol])
	assert.EqualValues(t, 4, logs.All()[1].ContextMap()["jobs_processed"])
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, " DEBUG ")
	lvl, ok := levelFromEnv()
	assert.True(t, ok)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	t.Setenv(LevelEnv, "loud")
	_, ok = levelFromEnv()
	assert.False(t, ok)
}

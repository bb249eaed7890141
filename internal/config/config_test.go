package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/sandboxrt/internal/signalcore"
)

func TestLoadAppliesDefaultsWithNoFileOrFlags(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.EqualValues(t, 5000, cfg.QuantumMicros)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, "broadcast", cfg.PropagationMode)
	assert.True(t, cfg.PreemptionEnabled)
	assert.False(t, cfg.DeferredPreemptionDiagnostics)
}

func TestLoadFilePrecedesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 8\npropagation_mode: triaged\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, "triaged", cfg.PropagationMode)
}

func TestLoadEnvironmentPrecedesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxrt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 8\n"), 0o600))

	t.Setenv("SANDBOXRT_WORKER_COUNT", "16")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerCount)
}

func TestLoadFlagsPrecedeEnvironment(t *testing.T) {
	t.Setenv("SANDBOXRT_WORKER_COUNT", "16")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("worker_count", 0, "")
	require.NoError(t, fs.Set("worker_count", "32"))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkerCount)
}

func TestValidateRejectsZeroWorkers(t *testing.T) {
	cfg := defaults
	cfg.WorkerCount = 0
	err := cfg.Validate()
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "worker_count", ve.Field)
}

func TestValidateRejectsZeroQuantumWhenPreemptionEnabled(t *testing.T) {
	cfg := defaults
	cfg.QuantumMicros = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateAllowsZeroQuantumWhenPreemptionDisabled(t *testing.T) {
	cfg := defaults
	cfg.QuantumMicros = 0
	cfg.PreemptionEnabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownPropagationMode(t *testing.T) {
	cfg := defaults
	cfg.PropagationMode = "round-robin"
	assert.Error(t, cfg.Validate())
}

func TestSignalCoreModeMapping(t *testing.T) {
	cfg := defaults
	cfg.PropagationMode = "triaged"
	assert.Equal(t, signalcore.Triaged, cfg.SignalCoreMode())

	cfg.PropagationMode = "broadcast"
	assert.Equal(t, signalcore.Broadcast, cfg.SignalCoreMode())
}

func TestSignalCoreConfigProjection(t *testing.T) {
	cfg := defaults
	cfg.WorkerCount = 7
	sc := cfg.SignalCoreConfig()
	assert.Equal(t, 7, sc.WorkerCount)
	assert.Equal(t, cfg.QuantumMicros, sc.QuantumMicros)
	assert.Equal(t, cfg.QuantumCycles, sc.QuantumCycles)
	assert.Equal(t, cfg.PreemptionEnabled, sc.PreemptionEnabled)
}

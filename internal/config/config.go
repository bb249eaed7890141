// Package config loads the process-wide static state of spec.md §3 in
// precedence order: defaults < config file (YAML/TOML/JSON, via Viper) <
// environment (SANDBOXRT_*) < CLI flags (Cobra/pflag) — the same
// precedence chain and library pairing github.com/spf13/viper and
// github.com/spf13/cobra/pflag are built for, following the convention
// jpequegn-benchflow's internal/cmd establishes for this stack.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nmxmxh/sandboxrt/internal/signalcore"
)

// Config mirrors spec.md §3's process-wide static state exactly: the
// quantum in both its units, worker count, propagation mode, the global
// preemption-enabled switch, and the §4.6 diagnostics gate.
type Config struct {
	QuantumMicros                 uint64 `mapstructure:"quantum_micros"`
	QuantumCycles                 uint64 `mapstructure:"quantum_cycles"`
	WorkerCount                   int    `mapstructure:"worker_count"`
	PropagationMode               string `mapstructure:"propagation_mode"` // "broadcast" | "triaged"
	PreemptionEnabled             bool   `mapstructure:"preemption_enabled"`
	DeferredPreemptionDiagnostics bool   `mapstructure:"deferred_preemption_diagnostics"`
	MetricsAddr                   string `mapstructure:"metrics_addr"`
}

// ValidationError is a Config error per spec.md §7: fatal at startup,
// logged structurally by the CLI, process exits nonzero.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Detail)
}

const envPrefix = "SANDBOXRT"

// defaults are applied before the config file, environment, and flags are
// consulted, per the precedence order this package documents.
var defaults = Config{
	QuantumMicros:                 5000,
	QuantumCycles:                 0,
	WorkerCount:                   4,
	PropagationMode:               "broadcast",
	PreemptionEnabled:             true,
	DeferredPreemptionDiagnostics: false,
	MetricsAddr:                   "127.0.0.1:9090",
}

// Load builds a Config from defaults, an optional config file, environment
// variables prefixed SANDBOXRT_, and flags already parsed onto fs (flags
// take precedence over everything else). cfgFile may be empty, in which
// case no config file is searched for — this package never guesses a
// search path; the CLI decides that policy and passes it in explicitly.
func Load(cfgFile string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("quantum_micros", defaults.QuantumMicros)
	v.SetDefault("quantum_cycles", defaults.QuantumCycles)
	v.SetDefault("worker_count", defaults.WorkerCount)
	v.SetDefault("propagation_mode", defaults.PropagationMode)
	v.SetDefault("preemption_enabled", defaults.PreemptionEnabled)
	v.SetDefault("deferred_preemption_diagnostics", defaults.DeferredPreemptionDiagnostics)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Only flags the caller actually supplied on the command line are
	// applied, each via an explicit, type-safe v.Set — rather than
	// v.BindPFlags, which would make every flag's zero-value default
	// compete with SetDefault/file/env for precedence instead of sitting
	// strictly above them only when the user typed it.
	if fs != nil {
		applyChangedIntFlag(v, fs, "worker_count")
		applyChangedStringFlag(v, fs, "propagation_mode")
		applyChangedStringFlag(v, fs, "metrics_addr")
		applyChangedBoolFlag(v, fs, "preemption_enabled")
		applyChangedBoolFlag(v, fs, "deferred_preemption_diagnostics")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants spec.md §3/§7 require of the
// process-wide static state before any worker registers or the timer is
// armed.
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return &ValidationError{Field: "worker_count", Detail: "must be at least 1"}
	}
	if c.PreemptionEnabled && c.QuantumMicros == 0 {
		return &ValidationError{Field: "quantum_micros", Detail: "must be nonzero when preemption is enabled"}
	}
	switch c.PropagationMode {
	case "broadcast", "triaged":
	default:
		return &ValidationError{Field: "propagation_mode", Detail: `must be "broadcast" or "triaged"`}
	}
	return nil
}

// SignalCoreMode converts the string propagation_mode field into the
// signalcore.PropagationMode enum signalcore.Initialize expects. Callers
// must have already validated c (Load does this automatically).
func (c Config) SignalCoreMode() signalcore.PropagationMode {
	if c.PropagationMode == "triaged" {
		return signalcore.Triaged
	}
	return signalcore.Broadcast
}

// SignalCoreConfig projects the subset of Config the signal core needs at
// Initialize time (see signalcore.Config).
func (c Config) SignalCoreConfig() signalcore.Config {
	return signalcore.Config{
		WorkerCount:       c.WorkerCount,
		PropagationMode:   c.SignalCoreMode(),
		PreemptionEnabled: c.PreemptionEnabled,
		QuantumMicros:     c.QuantumMicros,
		QuantumCycles:     c.QuantumCycles,
	}
}

func applyChangedIntFlag(v *viper.Viper, fs *pflag.FlagSet, name string) {
	if !fs.Changed(name) {
		return
	}
	if val, err := fs.GetInt(name); err == nil {
		v.Set(name, val)
	}
}

func applyChangedStringFlag(v *viper.Viper, fs *pflag.FlagSet, name string) {
	if !fs.Changed(name) {
		return
	}
	if val, err := fs.GetString(name); err == nil {
		v.Set(name, val)
	}
}

func applyChangedBoolFlag(v *viper.Viper, fs *pflag.FlagSet, name string) {
	if !fs.Changed(name) {
		return
	}
	if val, err := fs.GetBool(name); err == nil {
		v.Set(name, val)
	}
}

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	assert.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "sandboxrtd")
}

func TestRootCommandDefinesExpectedFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "worker_count", "propagation_mode", "metrics_addr", "preemption_enabled", "deferred_preemption_diagnostics"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "expected flag %q to be registered", name)
	}
}

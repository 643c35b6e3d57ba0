package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecute(t *testing.T) {
	// Execute calls os.Exit(1) on error, so only its presence is checked.
	assert.NotNil(t, Execute)
}

func TestVersionVariables(t *testing.T) {
	assert.NotEmpty(t, Version, "Version should not be empty")
	assert.NotEmpty(t, Commit, "Commit should not be empty")
}

func TestCLIFlagsVariables(t *testing.T) {
	// The config file is optional, so no default path is set.
	assert.Equal(t, "", cfgFile)
	assert.Equal(t, "", logLevel)
	assert.Equal(t, "", logFormat)
	assert.Equal(t, "", busAddress)

	assert.False(t, systemBus)
	assert.False(t, sessionBus)
}

func TestCommandVariables(t *testing.T) {
	assert.Equal(t, "", scanDest, "scanDest should default to empty")
	assert.Equal(t, "", replayInput, "replayInput should default to empty")
	assert.Equal(t, "", serveInput, "serveInput should default to empty")
	assert.Equal(t, "", inspectInput, "inspectInput should default to empty")
	assert.Equal(t, "tree", inspectFormat)
	assert.Equal(t, "count", replayVerify)
}

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"scan", "replay", "serve", "inspect", "catalog", "validate", "version"} {
		assert.True(t, names[want], "%s command should be added to root command", want)
	}
}

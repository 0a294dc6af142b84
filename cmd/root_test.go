package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"run", "serve", "migrate", "runs", "alerts", "prospects", "lineage", "conflicts", "quarantine"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "prospect-sync", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"extraction-id", "replay", "policy"} {
		require.NotNil(t, runCmd.Flags().Lookup(name), "run command should have --%s flag", name)
	}
	assert.Equal(t, "false", runCmd.Flags().Lookup("replay").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	require.NotNil(t, serveCmd.Flags().Lookup("no-checker"))
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q", name)
	}
}

func TestAlertsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range alertsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "ack", "digest", "purge"} {
		assert.True(t, names[name], "expected alerts subcommand %q", name)
	}
	require.NotNil(t, alertsAckCmd.Flags().Lookup("by"))
}

func TestLineageCommand_Args(t *testing.T) {
	assert.Error(t, lineageCmd.Args(lineageCmd, []string{"only-one"}))
	assert.NoError(t, lineageCmd.Args(lineageCmd, []string{"id", "weight_lbs"}))
}

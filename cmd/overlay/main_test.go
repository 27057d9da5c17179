package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--env-file", "test.env", "--log-level", "debug", "--pretty=false"}))

	envFile, err := cmd.Flags().GetString("env-file")
	require.NoError(t, err)
	assert.Equal(t, "test.env", envFile)

	assert.True(t, cmd.Flags().Changed("log-level"))
	pretty, err := cmd.Flags().GetBool("pretty")
	require.NoError(t, err)
	assert.False(t, pretty)
}

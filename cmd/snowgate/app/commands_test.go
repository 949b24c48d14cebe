// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := NewRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
	assert.True(t, names["validate"])
	assert.True(t, cmd.SilenceUsage)
}

func TestVersionCommandJSON(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Contains(t, info, "version")
	assert.Contains(t, info, "go_version")
	assert.Contains(t, info, "platform")
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	t.Setenv("SNOWGATE_SNOWFLAKE_BACKEND", "snowflake")
	t.Setenv("SNOWGATE_SNOWFLAKE_ACCOUNT", "")
	t.Setenv("SNOWGATE_SNOWFLAKE_USER", "")

	cmd := newValidateCmd()
	cmd.SilenceErrors = true
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account")
}

func TestValidateCommandAcceptsLocalBackend(t *testing.T) {
	t.Setenv("SNOWGATE_SNOWFLAKE_BACKEND", "local")

	cmd := newValidateCmd()
	assert.NoError(t, cmd.Execute())
}

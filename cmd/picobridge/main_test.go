package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPicobridgeCommand(t *testing.T) {
	cmd := NewPicobridgeCommand()
	require.NotNil(t, cmd)

	assert.Equal(t, "picobridge", cmd.Use)
	assert.Contains(t, cmd.Short, "picobridge")

	want := map[string]bool{"gateway": false, "snapshot": false, "migrate": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "missing subcommand %s", name)
	}
}

package providerproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeCLIIsAvailableReflectsPath(t *testing.T) {
	dir := t.TempDir()
	binary := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	available := NewClaudeCLI(binary)
	assert.True(t, available.IsAvailable())

	missing := NewClaudeCLI(filepath.Join(dir, "does-not-exist"))
	assert.False(t, missing.IsAvailable())
}

func TestClaudeCLIHeadlessArgsIncludesResumeFlag(t *testing.T) {
	p := NewClaudeCLI("claude")

	args := p.HeadlessArgs("", nil)
	assert.NotContains(t, args, "--resume")

	args = p.HeadlessArgs("u-1", []string{"--extra"})
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "u-1")
	assert.Contains(t, args, "--extra")
}

func TestRegistryRegisterGetList(t *testing.T) {
	r := NewRegistry()
	p := NewClaudeCLI("claude")
	r.Register(p)

	got, err := r.Get("claude-cli")
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = r.Get("nope")
	assert.Error(t, err)

	assert.Len(t, r.List(), 1)
}

func TestClaudeCLIIsServerBacked(t *testing.T) {
	p := NewClaudeCLI("claude")

	sb, ok := p.(ServerBacked)
	require.True(t, ok)

	bin, args := sb.ServerCommand()
	assert.Equal(t, "claude", bin)
	assert.Equal(t, []string{"serve"}, args)
}

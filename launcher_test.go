// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLauncher(t *testing.T) {
	path, err := filepath.Abs(os.Args[0])
	require.NoError(t, err)
	pid, err := ExecLauncher{}.Launch(ProcessSpec{
		Path: path,
		Args: []string{"-test.run=^$"},
		Env:  os.Environ(),
	})
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	_, err = ExecLauncher{}.Launch(ProcessSpec{Path: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrLaunch)
}

func TestResolveArgs(t *testing.T) {
	_, err := resolveArgs(nil)
	assert.Error(t, err)
	_, err = resolveArgs([]string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	args, err := resolveArgs([]string{os.Args[0], "a", "b"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(args[0]))
	assert.Equal(t, []string{"a", "b"}, args[1:])
}

func TestGuardianSpec(t *testing.T) {
	cfg := DefaultConfig()
	args := []string{"/usr/bin/client", "a"}

	spec, err := guardianSpec(args, cfg)
	require.NoError(t, err)
	exe, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, exe, spec.Path)
	assert.Equal(t, []string{"a"}, spec.Args)
	assert.Contains(t, spec.Env, EnvRole+"=guardian")

	cfg.GuardianPath = "/usr/local/bin/wdguard"
	spec, err = guardianSpec(args, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.GuardianPath, spec.Path)
	assert.Equal(t, []string{"guardian", "--", "/usr/bin/client", "a"}, spec.Args)
	assert.NotContains(t, spec.Env, EnvRole+"=guardian")
}

func TestClientSpec(t *testing.T) {
	t.Setenv(EnvRole, "guardian")
	t.Setenv(EnvPID, "1")
	t.Setenv("HOME", "/home/wd")

	spec := clientSpec([]string{"/usr/bin/client", "a"}, DefaultConfig(), 42)
	assert.Equal(t, "/usr/bin/client", spec.Path)
	assert.Equal(t, []string{"a"}, spec.Args)
	assert.Contains(t, spec.Env, EnvPID+"=42")
	assert.Contains(t, spec.Env, "HOME=/home/wd")
	assert.NotContains(t, spec.Env, EnvRole+"=guardian")
	assert.NotContains(t, spec.Env, EnvPID+"=1")
	assert.Contains(t, spec.Env, EnvThreshold+"=5")
}

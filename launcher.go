// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLaunch is returned when a partner process cannot be started.
var ErrLaunch = errors.New("watchdog: cannot launch partner")

// ProcessSpec describes a process to start.
type ProcessSpec struct {
	Path string
	// Args excludes the program name.
	Args []string
	// Env is the complete environment of the new process.
	Env []string
}

// Launcher starts partner processes.
type Launcher interface {
	// Launch starts spec and returns its pid without waiting for it.
	Launch(spec ProcessSpec) (int, error)
}

// ExecLauncher starts processes with os/exec. Started processes share the
// standard output and error of the caller and are reaped when they exit.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(spec ProcessSpec) (int, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrLaunch, spec.Path, err)
	}
	go cmd.Wait()
	return cmd.Process.Pid, nil
}

// resolveArgs makes the program of a command line absolute, so it can be
// started again from any working directory.
func resolveArgs(args []string) ([]string, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("watchdog: empty command line")
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("watchdog: %w", err)
	}
	if path, err = filepath.Abs(path); err != nil {
		return nil, fmt.Errorf("watchdog: %w", err)
	}
	return append([]string{path}, args[1:]...), nil
}

// guardianSpec starts a guardian for the client command line args. Without
// a guardian executable the client program is started in guardian role.
func guardianSpec(args []string, cfg Config) (ProcessSpec, error) {
	env := environ(os.Environ(), cfg)
	if cfg.GuardianPath != "" {
		return ProcessSpec{
			Path: cfg.GuardianPath,
			Args: append([]string{"guardian", "--"}, args...),
			Env:  env,
		}, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return ProcessSpec{}, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	return ProcessSpec{
		Path: exe,
		Args: args[1:],
		Env:  append(env, EnvRole+"="+Guardian.String()),
	}, nil
}

// clientSpec starts the client command line args, attached to the
// guardian with pid guardian.
func clientSpec(args []string, cfg Config, guardian int) ProcessSpec {
	return ProcessSpec{
		Path: args[0],
		Args: args[1:],
		Env:  append(environ(os.Environ(), cfg), EnvPID+"="+strconv.Itoa(guardian)),
	}
}

// environ returns base without the watchdog variables, followed by cfg.
func environ(base []string, cfg Config) []string {
	exported := cfg.Environ()
	drop := map[string]bool{EnvPID: true, EnvRole: true}
	for _, kv := range exported {
		drop[kv[:strings.IndexByte(kv, '=')]] = true
	}
	env := make([]string, 0, len(base)+len(exported))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i > 0 && drop[kv[:i]] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, exported...)
}

// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signals of the pair protocol
const (
	// SigPing is sent by every heartbeat and acknowledges that the sender
	// is alive.
	SigPing = unix.SIGUSR1
	// SigShutdown asks the receiver to stop supervising.
	SigShutdown = unix.SIGUSR2
)

// Signaler delivers protocol signals between the two processes.
type Signaler interface {
	// Signal sends sig to the process pid.
	Signal(pid int, sig syscall.Signal) error
	// Notify calls fn for every protocol signal this process receives
	// until stop is called. After stop the protocol signals are ignored.
	Notify(fn func(syscall.Signal)) (stop func())
}

// OSSignaler sends and receives real process signals.
type OSSignaler struct{}

// Signal implements Signaler.
func (OSSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

// Notify implements Signaler.
func (OSSignaler) Notify(fn func(syscall.Signal)) func() {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch, SigPing, SigShutdown)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range ch {
			if s, ok := sig.(syscall.Signal); ok {
				fn(s)
			}
		}
	}()
	return func() {
		// A late ping must not terminate the process.
		signal.Ignore(SigPing, SigShutdown)
		signal.Stop(ch)
		close(ch)
		<-done
	}
}

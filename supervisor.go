// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/changkun/watchdog/internal/sem"
	"github.com/changkun/watchdog/internal/store"
	"github.com/changkun/watchdog/sched"
	"github.com/changkun/watchdog/task"
	"go.uber.org/zap"
)

// Role of a process in a watchdog pair
type Role int

// Roles
const (
	Client Role = iota
	Guardian
)

func (r Role) String() string {
	if r == Guardian {
		return "guardian"
	}
	return "client"
}

// Names of the rendezvous semaphores. Each side posts its own and waits
// on the other one.
const (
	semWD     = "sem_wd"
	semClient = "sem_client"
)

// supervisor is the state of one side of the pair. fails and finish are
// the only fields written by the signal handler.
type supervisor struct {
	role      Role
	partner   atomic.Int64
	fails     atomic.Int32
	finish    atomic.Bool
	revivals  atomic.Int32
	initiated atomic.Bool

	cfg  Config
	args []string

	sched    *sched.Scheduler
	opener   sem.Opener
	wd       sem.Semaphore
	client   sem.Semaphore
	launcher Launcher
	signaler Signaler
	store    store.Store
	log      *zap.Logger
	ctx      context.Context

	// ready is closed once the startup rendezvous completed, the partner
	// handles protocol signals from then on.
	ready chan struct{}
	// handshake is held by a revival until the new partner reached its
	// rendezvous, and by a shutdown request while it signals the partner.
	handshake sync.Mutex

	stopSignals func()
}

func newSupervisor(role Role, args []string, o *options) *supervisor {
	log := o.log.Named(role.String())
	return &supervisor{
		role:     role,
		cfg:      *o.cfg,
		args:     args,
		sched:    sched.New(sched.WithLogger(log), sched.WithResolution(o.cfg.Resolution)),
		opener:   o.opener,
		launcher: o.launcher,
		signaler: o.signaler,
		store:    o.store,
		log:      log,
		ctx:      o.ctx,
		ready:    make(chan struct{}),
	}
}

func (s *supervisor) partnerPID() int {
	return int(s.partner.Load())
}

// reset unlinks both semaphores so stale counts of an earlier pair cannot
// complete a rendezvous.
func (s *supervisor) reset() error {
	return unlink(s.opener)
}

func (s *supervisor) open() error {
	wd, err := s.opener.Open(semWD)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	client, err := s.opener.Open(semClient)
	if err != nil {
		wd.Close()
		return fmt.Errorf("watchdog: %w", err)
	}
	s.wd, s.client = wd, client
	return nil
}

func (s *supervisor) own() sem.Semaphore {
	if s.role == Guardian {
		return s.wd
	}
	return s.client
}

func (s *supervisor) peer() sem.Semaphore {
	if s.role == Guardian {
		return s.client
	}
	return s.wd
}

// listen installs the signal handler.
func (s *supervisor) listen() {
	s.stopSignals = s.signaler.Notify(s.handle)
}

// handle runs for every received protocol signal and only stores.
func (s *supervisor) handle(sig syscall.Signal) {
	switch sig {
	case SigPing:
		s.fails.Store(0)
	case SigShutdown:
		s.finish.Store(true)
	}
}

func (s *supervisor) register() error {
	tasks := []struct {
		interval time.Duration
		action   task.Action
	}{
		{s.cfg.HeartbeatInterval, s.heartbeat},
		{s.cfg.CheckInterval, s.checkFails},
		{s.cfg.RollbackInterval, s.rollback},
	}
	for _, t := range tasks {
		if _, err := s.sched.Add(t.interval, t.action, nil); err != nil {
			return fmt.Errorf("watchdog: register task: %w", err)
		}
	}
	return nil
}

// rendezvous posts the own semaphore and waits for the partner's post.
func (s *supervisor) rendezvous() error {
	if err := s.own().Post(); err != nil {
		return fmt.Errorf("watchdog: rendezvous: %w", err)
	}
	if err := s.peer().Wait(s.ctx); err != nil {
		return fmt.Errorf("watchdog: rendezvous: %w", err)
	}
	return nil
}

// heartbeat pings the partner and counts the ping as unacknowledged until
// the partner pings back.
func (s *supervisor) heartbeat() task.Signal {
	pid := s.partnerPID()
	if err := s.signaler.Signal(pid, SigPing); err != nil {
		s.log.Debug("ping failed", zap.Int("partner", pid), zap.Error(err))
	}
	n := s.fails.Add(1)
	s.log.Debug("ping", zap.Int("partner", pid), zap.Int32("fails", n))
	return task.Repeat
}

// checkFails revives the partner once too many pings are unacknowledged.
func (s *supervisor) checkFails() task.Signal {
	n := s.fails.Load()
	if n <= s.cfg.Threshold || s.initiated.Load() {
		return task.Repeat
	}
	s.log.Warn("partner unresponsive", zap.Int("partner", s.partnerPID()), zap.Int32("fails", n))
	if err := s.revive(); err != nil {
		s.log.Error("revival failed", zap.Error(err))
	}
	return task.Repeat
}

// revive starts a new partner and waits until it reached its rendezvous.
// On launch failure the counter is kept so the next check tries again.
func (s *supervisor) revive() error {
	s.handshake.Lock()
	defer s.handshake.Unlock()
	if s.initiated.Load() {
		return nil
	}
	s.save(store.StateReviving)
	var (
		spec ProcessSpec
		err  error
	)
	if s.role == Guardian {
		spec = clientSpec(s.args, s.cfg, os.Getpid())
	} else if spec, err = guardianSpec(s.args, s.cfg); err != nil {
		return err
	}
	pid, err := s.launcher.Launch(spec)
	if err != nil {
		return err
	}
	s.partner.Store(int64(pid))
	s.fails.Store(0)
	s.revivals.Add(1)
	s.log.Info("partner revived", zap.Int("partner", pid), zap.Int32("revivals", s.revivals.Load()))

	if err := s.rendezvous(); err != nil {
		return err
	}
	s.save(store.StateRunning)
	return nil
}

// requestShutdown asks the partner to shut down and waits until it
// released this side.
func (s *supervisor) requestShutdown() {
	s.handshake.Lock()
	pid := s.partnerPID()
	err := s.signaler.Signal(pid, SigShutdown)
	s.handshake.Unlock()
	if err != nil {
		s.log.Warn("partner unreachable", zap.Int("partner", pid), zap.Error(err))
		return
	}
	if err := s.wd.Wait(s.ctx); err != nil {
		s.log.Warn("partner did not release", zap.Int("partner", pid), zap.Error(err))
	}
}

// rollback stops the local scheduler once the partner asked for shutdown,
// releasing the partner blocked in Stop first.
func (s *supervisor) rollback() task.Signal {
	if !s.finish.Load() {
		return task.Repeat
	}
	s.log.Info("shutdown requested", zap.Int("partner", s.partnerPID()))
	if err := s.wd.Post(); err != nil {
		s.log.Error("cannot release partner", zap.Error(err))
	}
	s.sched.Stop()
	return task.Repeat
}

// serve completes the startup rendezvous and runs the scheduler on the
// calling goroutine until it stops, then tears down.
func (s *supervisor) serve() error {
	defer s.teardown()

	stop := context.AfterFunc(s.ctx, s.sched.Stop)
	defer stop()

	if err := s.rendezvous(); err != nil {
		return err
	}
	close(s.ready)
	s.save(store.StateRunning)
	s.log.Info("supervising", zap.Int("partner", s.partnerPID()))

	if err := s.sched.Run(); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	return nil
}

// teardown releases everything the supervisor holds. Only the side that
// initiated the shutdown stops last, so only it unlinks the semaphores.
func (s *supervisor) teardown() {
	s.sched.Clear()
	if s.stopSignals != nil {
		s.stopSignals()
	}
	for _, h := range []sem.Semaphore{s.wd, s.client} {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			s.log.Warn("cannot close semaphore", zap.Error(err))
		}
	}
	if s.initiated.Load() {
		if err := s.reset(); err != nil {
			s.log.Warn("cannot unlink semaphores", zap.Error(err))
		}
	}
	s.save(store.StateStopped)
	closeBackends(s.log, s.opener, s.store)
	s.log.Info("stopped")
}

func (s *supervisor) save(state store.State) {
	r := &store.Record{
		Role:       s.role.String(),
		PID:        os.Getpid(),
		PartnerPID: s.partnerPID(),
		Revivals:   int(s.revivals.Load()),
		State:      state,
	}
	if err := s.store.Save(r); err != nil {
		s.log.Warn("cannot save status", zap.Error(err))
	}
}

// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/changkun/watchdog/internal/sem"
	"github.com/changkun/watchdog/internal/store"
	"github.com/changkun/watchdog/leaktest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"
)

// hub routes signals between supervisors of one test process, keyed by
// made up pids. A spawned process that does not handle signals yet is
// terminated by them, like the default action of SIGUSR1 and SIGUSR2.
type hub struct {
	mu       sync.Mutex
	handlers map[int]func(syscall.Signal)
	dead     map[int]bool
	ignored  map[int]bool
	exits    map[int]func()
	last     int
}

func newHub() *hub {
	return &hub{
		handlers: map[int]func(syscall.Signal){},
		dead:     map[int]bool{},
		ignored:  map[int]bool{},
		exits:    map[int]func(){},
		last:     1000,
	}
}

// spawn allocates a pid, exit is called when a signal terminates it.
func (h *hub) spawn(exit func()) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last++
	h.exits[h.last] = exit
	return h.last
}

// kill makes pid deaf and mute.
func (h *hub) kill(pid int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead[pid] = true
	delete(h.handlers, pid)
}

func (h *hub) proc(pid int) Signaler {
	return &hubProc{h: h, pid: pid}
}

type hubProc struct {
	h   *hub
	pid int
}

func (p *hubProc) Signal(pid int, sig syscall.Signal) error {
	h := p.h
	h.mu.Lock()
	if h.dead[p.pid] {
		h.mu.Unlock()
		return nil
	}
	if fn, ok := h.handlers[pid]; ok {
		h.mu.Unlock()
		fn(sig)
		return nil
	}
	exit, spawned := h.exits[pid]
	switch {
	case h.dead[pid]:
		h.mu.Unlock()
		return unix.ESRCH
	case h.ignored[pid]:
		h.mu.Unlock()
		return nil
	case spawned:
		h.dead[pid] = true
		h.mu.Unlock()
		exit()
		return nil
	}
	h.mu.Unlock()
	return unix.ESRCH
}

func (p *hubProc) Notify(fn func(syscall.Signal)) func() {
	p.h.mu.Lock()
	if !p.h.dead[p.pid] {
		p.h.handlers[p.pid] = fn
	}
	p.h.mu.Unlock()
	return func() {
		p.h.mu.Lock()
		delete(p.h.handlers, p.pid)
		p.h.ignored[p.pid] = true
		p.h.mu.Unlock()
	}
}

type launcherFunc func(ProcessSpec) (int, error)

func (f launcherFunc) Launch(spec ProcessSpec) (int, error) { return f(spec) }

func withEnv(env map[string]string) Option {
	return func(o *options) {
		o.getenv = func(key string) string { return env[key] }
	}
}

func withExit(exit func(int)) Option {
	return func(o *options) { o.exit = exit }
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = time.Millisecond * 10
	cfg.CheckInterval = time.Millisecond * 10
	cfg.RollbackInterval = time.Millisecond * 20
	cfg.Resolution = time.Millisecond * 2
	cfg.Semaphore.Backend = sem.BackendMemory
	return cfg
}

func testOptions(t *testing.T, extra ...Option) *options {
	opts := append([]Option{
		WithConfig(testConfig()),
		WithLogger(zaptest.NewLogger(t)),
		WithOpener(sem.NewMemoryOpener()),
		WithStore(store.NewFileFs(afero.NewMemMapFs(), "/status")),
		WithSignaler(newHub().proc(1)),
		withEnv(nil),
	}, extra...)
	o, err := newOptions(opts)
	require.NoError(t, err)
	return o
}

func newTestSupervisor(t *testing.T, role Role, l Launcher) *supervisor {
	o := testOptions(t, WithLauncher(l))
	s := newSupervisor(role, []string{os.Args[0]}, o)
	s.partner.Store(999)
	require.NoError(t, s.open())
	return s
}

func TestFailureThreshold(t *testing.T) {
	var s *supervisor
	launches := 0
	s = newTestSupervisor(t, Client, launcherFunc(func(spec ProcessSpec) (int, error) {
		launches++
		assert.Contains(t, spec.Env, EnvRole+"="+Guardian.String())
		// the new guardian reaches its rendezvous
		return 4242, s.wd.Post()
	}))

	for i := 0; i < 6; i++ {
		s.heartbeat()
	}
	assert.Equal(t, int32(6), s.fails.Load())

	s.checkFails()
	assert.Equal(t, 1, launches)
	assert.Equal(t, int32(0), s.fails.Load(), "counter must reset after revival")
	assert.Equal(t, int32(1), s.revivals.Load())
	assert.Equal(t, 4242, s.partnerPID())

	s.checkFails()
	assert.Equal(t, 1, launches, "revival must happen exactly once")

	r, err := s.store.Read("client")
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, r.State)
	assert.Equal(t, 1, r.Revivals)
	assert.Equal(t, 4242, r.PartnerPID)
}

func TestThresholdNotExceeded(t *testing.T) {
	launches := 0
	s := newTestSupervisor(t, Client, launcherFunc(func(ProcessSpec) (int, error) {
		launches++
		return 0, errors.New("unexpected launch")
	}))
	for i := 0; i < 5; i++ {
		s.heartbeat()
	}
	s.checkFails()
	assert.Equal(t, 0, launches)
	assert.Equal(t, int32(5), s.fails.Load())
}

func TestReviveClient(t *testing.T) {
	var s *supervisor
	s = newTestSupervisor(t, Guardian, launcherFunc(func(spec ProcessSpec) (int, error) {
		assert.Equal(t, s.args[0], spec.Path)
		assert.Contains(t, spec.Env, EnvPID+"="+strconv.Itoa(os.Getpid()))
		assert.NotContains(t, spec.Env, EnvRole+"="+Guardian.String())
		return 4343, s.client.Post()
	}))
	for i := 0; i < 6; i++ {
		s.heartbeat()
	}
	s.checkFails()
	assert.Equal(t, int32(0), s.fails.Load())
	assert.Equal(t, 4343, s.partnerPID())
}

func TestLaunchFailure(t *testing.T) {
	launches := 0
	s := newTestSupervisor(t, Client, launcherFunc(func(ProcessSpec) (int, error) {
		launches++
		return 0, ErrLaunch
	}))
	for i := 0; i < 6; i++ {
		s.heartbeat()
	}
	s.checkFails()
	assert.Equal(t, int32(6), s.fails.Load(), "failed launch must keep the counter")
	assert.Equal(t, int32(0), s.revivals.Load())
	assert.Equal(t, 999, s.partnerPID())

	s.checkFails()
	assert.Equal(t, 2, launches, "next check must retry")

	r, err := s.store.Read("client")
	require.NoError(t, err)
	assert.Equal(t, store.StateReviving, r.State)
}

func TestPingResets(t *testing.T) {
	s := newTestSupervisor(t, Client, nil)
	for i := 0; i < 3; i++ {
		s.heartbeat()
	}
	s.handle(SigPing)
	assert.Equal(t, int32(0), s.fails.Load())
	assert.False(t, s.finish.Load())

	s.handle(SigShutdown)
	assert.True(t, s.finish.Load())
}

type closingOpener struct {
	sem.Opener
	closed int
}

func (o *closingOpener) Close() error {
	o.closed++
	return nil
}

func TestTeardownClosesBackends(t *testing.T) {
	s := newTestSupervisor(t, Client, nil)
	op := &closingOpener{Opener: s.opener}
	s.opener = op
	s.teardown()
	assert.Equal(t, 1, op.closed)

	op = &closingOpener{Opener: sem.NewMemoryOpener()}
	require.NoError(t, Unlink(WithConfig(testConfig()), WithOpener(op), WithLogger(zaptest.NewLogger(t))))
	assert.Equal(t, 1, op.closed)
}

func TestRollback(t *testing.T) {
	s := newTestSupervisor(t, Guardian, nil)
	require.NoError(t, s.register())

	s.rollback()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	assert.Error(t, s.wd.Wait(ctx), "rollback without request must not release")

	s.handle(SigShutdown)
	s.rollback()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.wd.Wait(ctx))

	done := make(chan error, 1)
	go func() { done <- s.sched.Run() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("rollback did not stop the scheduler")
	}
}

// pair runs a client and its guardians in the test process.
type pair struct {
	t      *testing.T
	hub    *hub
	opener sem.Opener
	store  store.Store
	// delay postpones the start of every guardian.
	delay time.Duration

	mu        sync.Mutex
	guardians []*fakeGuardian
}

type fakeGuardian struct {
	pid    int
	cancel context.CancelFunc
	done   chan error
}

const clientPID = 1

func newPair(t *testing.T) *pair {
	return &pair{
		t:      t,
		hub:    newHub(),
		opener: sem.NewMemoryOpener(),
		store:  store.NewFileFs(afero.NewMemMapFs(), "/status"),
	}
}

func (p *pair) options() []Option {
	return []Option{
		WithConfig(testConfig()),
		WithLogger(zaptest.NewLogger(p.t)),
		WithOpener(p.opener),
		WithStore(p.store),
	}
}

func (p *pair) Launch(spec ProcessSpec) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pid := p.hub.spawn(cancel)
	g := &fakeGuardian{pid: pid, cancel: cancel, done: make(chan error, 1)}
	opts := append(p.options(),
		WithPartner(clientPID),
		WithSignaler(p.hub.proc(pid)),
		WithContext(ctx),
	)
	go func() {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			g.done <- ctx.Err()
			return
		}
		g.done <- RunGuardian(append([]string{spec.Path}, spec.Args...), opts...)
	}()

	p.mu.Lock()
	p.guardians = append(p.guardians, g)
	p.mu.Unlock()
	return pid, nil
}

func (p *pair) launches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.guardians)
}

func (p *pair) guardian(i int) *fakeGuardian {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guardians[i]
}

func (p *pair) start() *Watchdog {
	opts := append(p.options(),
		WithLauncher(p),
		WithSignaler(p.hub.proc(clientPID)),
		withEnv(nil),
	)
	w, err := Start([]string{os.Args[0]}, opts...)
	require.NoError(p.t, err)
	return w
}

func (p *pair) state(role string) store.State {
	r, err := p.store.Read(role)
	if err != nil {
		return ""
	}
	return r.State
}

func (p *pair) running() bool {
	return p.state("client") == store.StateRunning && p.state("guardian") == store.StateRunning
}

func waitGuardian(t *testing.T, g *fakeGuardian) error {
	select {
	case err := <-g.done:
		return err
	case <-time.After(time.Second * 5):
		t.Fatalf("guardian %d did not stop", g.pid)
	}
	return nil
}

func TestPairStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	defer leaktest.CheckContext(ctx, t)()

	p := newPair(t)
	w := p.start()

	require.Eventually(t, p.running, time.Second*5, time.Millisecond*5)
	assert.Equal(t, 1, p.launches(), "exactly one guardian must be launched")
	assert.Equal(t, p.guardian(0).pid, w.Partner())

	// heartbeats are acknowledged both ways
	time.Sleep(time.Millisecond * 200)
	assert.Equal(t, 1, p.launches())
	assert.Equal(t, 0, w.Revivals())

	require.NoError(t, w.Stop())
	assert.NoError(t, waitGuardian(t, p.guardian(0)))
	assert.Equal(t, store.StateStopped, p.state("client"))
	assert.Equal(t, store.StateStopped, p.state("guardian"))
	assert.NoError(t, w.Stop(), "second stop must be a no-op")
}

func TestPairStopRightAfterStart(t *testing.T) {
	p := newPair(t)
	p.delay = time.Millisecond * 50
	w := p.start()

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(time.Second * 5):
		t.Fatal("stop blocked")
	}
	assert.NoError(t, waitGuardian(t, p.guardian(0)), "the guardian must shut down, not be killed")
	assert.Equal(t, 1, p.launches())
	assert.Equal(t, store.StateStopped, p.state("guardian"))
}

func TestStopDuringRevival(t *testing.T) {
	var s *supervisor
	released := make(chan struct{})
	s = newTestSupervisor(t, Client, launcherFunc(func(ProcessSpec) (int, error) {
		// the new guardian needs a while to reach its rendezvous
		go func() {
			<-released
			s.wd.Post()
		}()
		return 4242, nil
	}))
	h := newHub()
	s.signaler = h.proc(clientPID)
	var shutdowns []int
	var mu sync.Mutex
	for _, pid := range []int{999, 4242} {
		h.handlers[pid] = func(sig syscall.Signal) {
			if sig != SigShutdown {
				return
			}
			mu.Lock()
			shutdowns = append(shutdowns, pid)
			mu.Unlock()
			s.wd.Post()
		}
	}

	for i := 0; i < 6; i++ {
		s.heartbeat()
	}
	revived := make(chan struct{})
	go func() {
		s.checkFails()
		close(revived)
	}()
	require.Eventually(t, func() bool { return s.partnerPID() == 4242 }, time.Second, time.Millisecond)

	s.initiated.Store(true)
	requested := make(chan struct{})
	go func() {
		s.requestShutdown()
		close(requested)
	}()
	time.Sleep(time.Millisecond * 20)
	mu.Lock()
	assert.Empty(t, shutdowns, "shutdown must wait for the revival")
	mu.Unlock()

	close(released)
	<-revived
	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("shutdown request blocked")
	}
	assert.Equal(t, []int{4242}, shutdowns)

	s.fails.Store(6)
	s.checkFails()
	assert.Equal(t, int32(1), s.revivals.Load(), "no revival once shutdown was requested")
}

func TestPairGuardianLost(t *testing.T) {
	p := newPair(t)
	w := p.start()
	require.Eventually(t, p.running, time.Second*5, time.Millisecond*5)

	lost := p.guardian(0)
	p.hub.kill(lost.pid)
	lost.cancel()
	waitGuardian(t, lost)

	require.Eventually(t, func() bool {
		return w.Revivals() == 1 && p.launches() == 2
	}, time.Second*5, time.Millisecond*5)
	revived := p.guardian(1)
	assert.Equal(t, revived.pid, w.Partner())

	require.Eventually(t, p.running, time.Second*5, time.Millisecond*5)
	time.Sleep(time.Millisecond * 200)
	assert.Equal(t, 2, p.launches(), "revived guardian must acknowledge heartbeats")
	assert.LessOrEqual(t, w.s.fails.Load(), testConfig().Threshold)

	require.NoError(t, w.Stop())
	assert.NoError(t, waitGuardian(t, revived))
}

func TestStartAdoptsGuardian(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	launched := false
	opts := append(newPair(t).options(),
		WithSignaler(newHub().proc(clientPID)),
		WithLauncher(launcherFunc(func(ProcessSpec) (int, error) {
			launched = true
			return 0, ErrLaunch
		})),
		WithContext(ctx),
		withEnv(map[string]string{EnvPID: "777"}),
	)
	w, err := Start([]string{os.Args[0]}, opts...)
	require.NoError(t, err)
	assert.False(t, launched)
	assert.Equal(t, 777, w.Partner())

	// nobody answers the rendezvous
	cancel()
	assert.ErrorIs(t, w.Stop(), context.Canceled)
}

func TestStartInvalidPID(t *testing.T) {
	_, err := Start([]string{os.Args[0]}, append(newPair(t).options(),
		withEnv(map[string]string{EnvPID: "guardian"}))...)
	assert.Error(t, err)
}

func TestStartLaunchFailure(t *testing.T) {
	p := newPair(t)
	_, err := Start([]string{os.Args[0]}, append(p.options(),
		WithSignaler(p.hub.proc(clientPID)),
		WithLauncher(launcherFunc(func(ProcessSpec) (int, error) { return 0, ErrLaunch })),
		withEnv(nil),
	)...)
	assert.ErrorIs(t, err, ErrLaunch)
	assert.Equal(t, store.StateStopped, p.state("client"))
}

func TestStartGuardianRole(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code := -1
	p := newPair(t)
	_, err := Start([]string{os.Args[0]}, append(p.options(),
		WithSignaler(p.hub.proc(clientPID)),
		WithContext(ctx),
		withEnv(map[string]string{EnvRole: "guardian"}),
		withExit(func(c int) { code = c }),
	)...)
	assert.Error(t, err)
	assert.Equal(t, 1, code, "guardian without rendezvous must exit with failure")
	assert.Equal(t, store.StateStopped, p.state("guardian"))
}

func TestStartEmptyArgs(t *testing.T) {
	_, err := Start(nil, append(newPair(t).options(), withEnv(nil))...)
	assert.Error(t, err)
}

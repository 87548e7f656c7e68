// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/changkun/watchdog/internal/sem"
	"github.com/changkun/watchdog/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Option configures Start, RunGuardian and Guard.
type Option func(*options)

type options struct {
	cfg      *Config
	log      *zap.Logger
	launcher Launcher
	signaler Signaler
	opener   sem.Opener
	store    store.Store
	partner  int
	ctx      context.Context

	getenv func(string) string
	exit   func(int)
}

// WithConfig sets the configuration. Without it the configuration is
// loaded from the file named by WD_CONFIG and the environment.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = &cfg }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithLauncher sets how partner processes are started.
func WithLauncher(l Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithSignaler sets how protocol signals are exchanged.
func WithSignaler(s Signaler) Option {
	return func(o *options) { o.signaler = s }
}

// WithOpener sets where the rendezvous semaphores live, overriding the
// semaphore configuration.
func WithOpener(op sem.Opener) Option {
	return func(o *options) { o.opener = op }
}

// WithStore sets where status records are kept, overriding the store
// configuration.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPartner sets the pid of the client a guardian supervises. The
// default is the parent process.
func WithPartner(pid int) Option {
	return func(o *options) { o.partner = pid }
}

// WithContext ends supervision without a shutdown handshake once ctx is
// done. Rendezvous waits are abandoned as well.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		ctx:    context.Background(),
		getenv: os.Getenv,
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		cfg, err := LoadConfig(o.getenv(EnvConfig))
		if err != nil {
			return nil, err
		}
		o.cfg = &cfg
	} else if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		o.log = NewLogger(o.cfg.Debug)
	}
	if o.launcher == nil {
		o.launcher = ExecLauncher{}
	}
	if o.signaler == nil {
		o.signaler = OSSignaler{}
	}
	if o.opener == nil {
		op, err := sem.NewOpener(o.cfg.Semaphore.Backend, o.cfg.Semaphore.Dir, o.cfg.Semaphore.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("watchdog: %w", err)
		}
		o.opener = op
	}
	if o.store == nil {
		o.store = store.New(o.cfg.Store.Dir, o.cfg.Store.RedisURL)
	}
	return o, nil
}

// Watchdog is the client side of a supervised pair.
type Watchdog struct {
	s    *supervisor
	done chan struct{}
	err  error

	stopOnce sync.Once
}

// Start puts the calling program under supervision. args is the command
// line that starts the program again, usually os.Args.
//
// Without WD_PID in the environment a new guardian is launched, otherwise
// the guardian with that pid is adopted. The supervision runs on its own
// goroutine and Start returns once it is set up, without waiting for the
// guardian.
//
// In a process started in guardian role (WD_ROLE=guardian) Start runs the
// guardian instead and exits the process when it stops.
func Start(args []string, opts ...Option) (*Watchdog, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.getenv(EnvRole) == Guardian.String() {
		code := 0
		if err := runGuardian(args, o); err != nil {
			o.log.Error("guardian failed", zap.Error(err))
			code = 1
		}
		o.log.Sync()
		o.exit(code)
		return nil, errors.New("watchdog: guardian returned")
	}

	args, err = resolveArgs(args)
	if err != nil {
		return nil, err
	}
	adopted := 0
	if v := o.getenv(EnvPID); v != "" {
		if adopted, err = strconv.Atoi(v); err != nil || adopted <= 0 {
			return nil, fmt.Errorf("watchdog: invalid %s %q", EnvPID, v)
		}
	}

	s := newSupervisor(Client, args, o)
	if adopted == 0 {
		if err := s.reset(); err != nil {
			return nil, err
		}
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	s.listen()

	if adopted == 0 {
		spec, err := guardianSpec(args, s.cfg)
		if err != nil {
			s.teardown()
			return nil, err
		}
		pid, err := s.launcher.Launch(spec)
		if err != nil {
			s.teardown()
			return nil, err
		}
		s.partner.Store(int64(pid))
		s.log.Info("guardian launched", zap.Int("guardian", pid))
	} else {
		s.partner.Store(int64(adopted))
		s.log.Info("guardian adopted", zap.Int("guardian", adopted))
	}

	if err := s.register(); err != nil {
		s.teardown()
		return nil, err
	}
	s.save(store.StateStarting)

	w := &Watchdog{s: s, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = s.serve()
	}()
	return w, nil
}

// Stop ends supervision. It waits until the guardian completed its startup
// rendezvous, asks it to shut down, waits until the guardian released it
// and then stops the local scheduler. A revival in progress completes
// first. Resources of the guardian may be released after Stop returns.
//
// Stop waits without a timeout, a guardian that never reaches its
// rendezvous or never answers the request blocks Stop forever.
func (w *Watchdog) Stop() error {
	w.stopOnce.Do(func() {
		s := w.s
		s.initiated.Store(true)
		select {
		case <-s.ready:
			s.requestShutdown()
		case <-w.done:
		}
		s.sched.Stop()
		<-w.done
	})
	return w.err
}

// Partner returns the pid of the current guardian.
func (w *Watchdog) Partner() int {
	return w.s.partnerPID()
}

// Revivals returns how many guardians were launched to replace a lost one.
func (w *Watchdog) Revivals() int {
	return int(w.s.revivals.Load())
}

// RunGuardian supervises the client started by args on the calling
// goroutine, until the client asks for shutdown.
func RunGuardian(args []string, opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	return runGuardian(args, o)
}

func runGuardian(args []string, o *options) error {
	args, err := resolveArgs(args)
	if err != nil {
		return err
	}
	s := newSupervisor(Guardian, args, o)
	pid := o.partner
	if pid == 0 {
		pid = unix.Getppid()
	}
	s.partner.Store(int64(pid))

	if err := s.open(); err != nil {
		return err
	}
	s.listen()
	if err := s.register(); err != nil {
		s.teardown()
		return err
	}
	s.save(store.StateStarting)
	return s.serve()
}

// Guard starts the program of args as a client and supervises it as its
// guardian on the calling goroutine. The program must call Start.
func Guard(args []string, opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	if args, err = resolveArgs(args); err != nil {
		return err
	}
	if err := unlink(o.opener); err != nil {
		return err
	}
	pid, err := o.launcher.Launch(clientSpec(args, *o.cfg, os.Getpid()))
	if err != nil {
		return err
	}
	o.log.Info("client launched", zap.Int("client", pid))
	o.partner = pid
	return runGuardian(args, o)
}

// Unlink removes the rendezvous semaphores of the configured backend. It
// recovers from a pair that died without shutting down.
func Unlink(opts ...Option) error {
	o, err := newOptions(opts)
	if err != nil {
		return err
	}
	defer closeBackends(o.log, o.opener, o.store)
	return unlink(o.opener)
}

// Status returns the status records of both roles that have one.
func Status(opts ...Option) ([]store.Record, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	defer closeBackends(o.log, o.opener, o.store)
	roles, err := o.store.Records()
	if err != nil {
		return nil, err
	}
	records := make([]store.Record, 0, len(roles))
	for _, role := range roles {
		r, err := o.store.Read(role)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

// closeBackends releases backends holding connections, such as redis pools.
func closeBackends(log *zap.Logger, backends ...any) {
	for _, b := range backends {
		c, ok := b.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			log.Warn("cannot close backend", zap.Error(err))
		}
	}
}

func unlink(op sem.Opener) error {
	for _, name := range []string{semWD, semClient} {
		if err := op.Unlink(name); err != nil {
			return fmt.Errorf("watchdog: reset semaphores: %w", err)
		}
	}
	return nil
}

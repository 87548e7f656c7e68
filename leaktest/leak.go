// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package leaktest reports goroutines a test started but did not join.
package leaktest

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"
)

type goroutine struct {
	id    uint64
	stack string
}

type goroutineByID []*goroutine

func (g goroutineByID) Len() int           { return len(g) }
func (g goroutineByID) Less(i, j int) bool { return g[i].id < g[j].id }
func (g goroutineByID) Swap(i, j int)      { g[i], g[j] = g[j], g[i] }

// TickerInterval defines the interval used by the ticker in Check* functions.
var TickerInterval = time.Millisecond * 50

// ignored are stack fragments of goroutines owned by the runtime, the
// testing package or signal delivery.
var ignored = []string{
	"testing.Main(",
	"testing.(*T).Run(",
	"testing.tRunner(",
	"runtime.goexit",
	"created by runtime.gc",
	"interestingGoroutines",
	"runtime.MHeap_Scavenger",
	"signal.signal_recv",
	"os/signal.loop",
	"sigterm.handler",
	"runtime_mcall",
	"goroutine in C code",
}

func interestingGoroutine(g string) (*goroutine, error) {
	sl := strings.SplitN(g, "\n", 2)
	if len(sl) != 2 {
		return nil, fmt.Errorf("error parsing stack: %q", g)
	}
	stack := strings.TrimSpace(sl[1])
	if stack == "" || strings.HasPrefix(stack, "testing.RunTests") {
		return nil, nil
	}
	for _, s := range ignored {
		if strings.Contains(stack, s) {
			return nil, nil
		}
	}

	// goroutine 7 [running]:
	h := strings.SplitN(sl[0], " ", 3)
	if len(h) < 3 {
		return nil, fmt.Errorf("error parsing stack header: %q", sl[0])
	}
	id, err := strconv.ParseUint(h[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing goroutine id: %s", err)
	}
	return &goroutine{id: id, stack: strings.TrimSpace(g)}, nil
}

// interestingGoroutines returns all goroutines we care about for the purpose
// of leak checking. It excludes testing or runtime ones.
func interestingGoroutines(t testing.TB) []*goroutine {
	buf := make([]byte, 2<<20)
	buf = buf[:runtime.Stack(buf, true)]
	var gs []*goroutine
	for _, g := range strings.Split(string(buf), "\n\n") {
		gr, err := interestingGoroutine(g)
		if err != nil {
			t.Errorf("leaktest: %s", err)
			continue
		}
		if gr == nil {
			continue
		}
		gs = append(gs, gr)
	}
	sort.Sort(goroutineByID(gs))
	return gs
}

// leakedGoroutines returns the stacks of goroutines missing from orig.
func leakedGoroutines(orig map[uint64]bool, interesting []*goroutine) []string {
	var leaked []string
	for _, g := range interesting {
		if !orig[g.id] {
			leaked = append(leaked, g.stack)
		}
	}
	return leaked
}

// Check is CheckTimeout with a five second timeout.
func Check(t testing.TB) func() {
	return CheckTimeout(t, time.Second*5)
}

// CheckTimeout is CheckContext with a context that expires after d.
func CheckTimeout(t testing.TB, d time.Duration) func() {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	check := CheckContext(ctx, t)
	return func() {
		defer cancel()
		check()
	}
}

// CheckContext snapshots the currently-running goroutines and returns a
// function to be run at the end of tests to see whether any goroutines
// leaked. The returned function waits until ctx is done for the leaked
// goroutines to exit.
func CheckContext(ctx context.Context, t testing.TB) func() {
	orig := map[uint64]bool{}
	for _, g := range interestingGoroutines(t) {
		orig[g.id] = true
	}
	return func() {
		t.Helper()
		leaked := leakedGoroutines(orig, interestingGoroutines(t))
		if len(leaked) == 0 {
			return
		}
		ticker := time.NewTicker(TickerInterval)
		defer ticker.Stop()

		for len(leaked) > 0 {
			select {
			case <-ticker.C:
				leaked = leakedGoroutines(orig, interestingGoroutines(t))
			case <-ctx.Done():
				t.Errorf("leaktest: %v", ctx.Err())
				for _, g := range leaked {
					t.Errorf("leaktest: leaked goroutine: %v", g)
				}
				return
			}
		}
	}
}

// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sem

import (
	"context"
	"errors"
	"sync"
)

const memoryCapacity = 1 << 10

// MemoryOpener opens semaphores that live in the current process. Both
// sides of a rendezvous must share the opener.
type MemoryOpener struct {
	mu   sync.Mutex
	sems map[string]*memorySem
}

// NewMemoryOpener creates an empty opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{sems: map[string]*memorySem{}}
}

// Open attaches to the named semaphore.
func (o *MemoryOpener) Open(name string) (Semaphore, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sems[name]
	if !ok {
		s = &memorySem{tokens: make(chan struct{}, memoryCapacity)}
		o.sems[name] = s
	}
	return s, nil
}

// Unlink forgets the named semaphore.
func (o *MemoryOpener) Unlink(name string) error {
	o.mu.Lock()
	delete(o.sems, name)
	o.mu.Unlock()
	return nil
}

type memorySem struct {
	tokens chan struct{}
}

func (s *memorySem) Post() error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	default:
		return errors.New("sem: counter overflow")
	}
}

func (s *memorySem) Wait(ctx context.Context) error {
	select {
	case <-s.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memorySem) Close() error {
	return nil
}

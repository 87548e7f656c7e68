// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package sem provides named counting semaphores shared between processes.
//
// A named semaphore lives outside of any process until it is unlinked:
// opening a name that exists attaches to the same counter, unlinking a name
// detaches it so the next Open starts from zero while handles that are
// already open keep working on the old counter.
package sem

import (
	"context"
	"errors"
	"fmt"
)

// Backends
const (
	// BackendFile keeps counters in flock guarded files, by default in /dev/shm.
	BackendFile = "file"
	// BackendRedis keeps counters in redis lists.
	BackendRedis = "redis"
	// BackendMemory keeps counters in the current process only.
	BackendMemory = "memory"
)

// ErrUnknownBackend is returned for a backend name that is not supported.
var ErrUnknownBackend = errors.New("sem: unknown backend")

// Semaphore is a counting semaphore.
type Semaphore interface {
	// Post increments the counter.
	Post() error
	// Wait blocks until the counter is positive and decrements it. It only
	// gives up when ctx is done.
	Wait(ctx context.Context) error
	// Close releases the handle, the named semaphore stays.
	Close() error
}

// Opener opens and unlinks named semaphores.
type Opener interface {
	Open(name string) (Semaphore, error)
	Unlink(name string) error
}

// NewOpener returns the Opener of backend. dir is used by the file
// backend, url by the redis backend.
func NewOpener(backend, dir, url string) (Opener, error) {
	switch backend {
	case BackendFile, "":
		return NewFileOpener(dir), nil
	case BackendRedis:
		if url == "" {
			return nil, errors.New("sem: redis backend requires a url")
		}
		return NewRedisOpener(url), nil
	case BackendMemory:
		return NewMemoryOpener(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

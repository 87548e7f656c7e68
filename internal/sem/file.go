// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDir is where file semaphores live when no directory is given.
const DefaultDir = "/dev/shm"

// FileOpener opens semaphores backed by files in a directory. The counter
// is the decimal content of the file, every update holds an exclusive
// flock on it.
type FileOpener struct {
	dir  string
	poll time.Duration
}

// NewFileOpener creates an opener for dir. An empty dir selects DefaultDir,
// or the temporary directory if DefaultDir does not exist.
func NewFileOpener(dir string) *FileOpener {
	if dir == "" {
		dir = DefaultDir
		if _, err := os.Stat(dir); err != nil {
			dir = os.TempDir()
		}
	}
	return &FileOpener{dir: dir, poll: time.Millisecond * 10}
}

func (o *FileOpener) path(name string) string {
	return filepath.Join(o.dir, "sem."+strings.TrimPrefix(name, "/"))
}

// Open attaches to the named semaphore, creating it with a zero count.
func (o *FileOpener) Open(name string) (Semaphore, error) {
	if err := os.MkdirAll(o.dir, 0777); err != nil {
		return nil, fmt.Errorf("sem: open %s: %w", name, err)
	}
	f, err := os.OpenFile(o.path(name), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("sem: open %s: %w", name, err)
	}
	return &fileSem{f: f, poll: o.poll}, nil
}

// Unlink removes the named semaphore. Unlinking a missing name is not an
// error.
func (o *FileOpener) Unlink(name string) error {
	err := os.Remove(o.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sem: unlink %s: %w", name, err)
	}
	return nil
}

type fileSem struct {
	mu   sync.Mutex
	f    *os.File
	poll time.Duration
}

func (s *fileSem) Post() error {
	_, err := s.update(func(v int64) (int64, bool) { return v + 1, true })
	return err
}

func (s *fileSem) Wait(ctx context.Context) error {
	for {
		ok, err := s.update(func(v int64) (int64, bool) {
			if v <= 0 {
				return v, false
			}
			return v - 1, true
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

func (s *fileSem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// update applies fn to the counter under the file lock. The new value is
// written only if fn reports true.
func (s *fileSem) update(fn func(int64) (int64, bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fd := int(s.f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return false, fmt.Errorf("sem: lock: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	v, err := s.read()
	if err != nil {
		return false, err
	}
	next, ok := fn(v)
	if !ok {
		return false, nil
	}
	return true, s.write(next)
}

func (s *fileSem) read() (int64, error) {
	buf := make([]byte, 32)
	n, err := s.f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("sem: read: %w", err)
	}
	v := strings.TrimSpace(string(buf[:n]))
	if v == "" {
		return 0, nil
	}
	count, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sem: corrupt counter %q: %w", v, err)
	}
	return count, nil
}

func (s *fileSem) write(v int64) error {
	if err := s.f.Truncate(0); err != nil {
		return fmt.Errorf("sem: write: %w", err)
	}
	if _, err := s.f.WriteAt([]byte(strconv.FormatInt(v, 10)), 0); err != nil {
		return fmt.Errorf("sem: write: %w", err)
	}
	return nil
}

// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const recordExt = ".json"

// File keeps records as <dir>/<role>.json.
type File struct {
	fs  afero.Fs
	dir string
}

// NewFile creates a store in dir on the os filesystem.
func NewFile(dir string) *File {
	return NewFileFs(afero.NewOsFs(), dir)
}

// NewFileFs creates a store in dir on fs.
func NewFileFs(fs afero.Fs, dir string) *File {
	return &File{fs: fs, dir: dir}
}

func (s *File) path(role string) string {
	return filepath.Join(s.dir, role+recordExt)
}

// Save writes the record to a temporary file and renames it in place, so
// readers never observe a partial record.
func (s *File) Save(r *Record) error {
	r.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmp := s.path(r.Role) + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path(r.Role)); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Read record of role
func (s *File) Read(role string) (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.path(role))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("store: corrupt record %s: %w", role, err)
	}
	return r, nil
}

// Delete record of role
func (s *File) Delete(role string) error {
	err := s.fs.Remove(s.path(role))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// Records lists all roles with a record
func (s *File) Records() ([]string, error) {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	roles := []string{}
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		roles = append(roles, strings.TrimSuffix(name, recordExt))
	}
	sort.Strings(roles)
	return roles, nil
}

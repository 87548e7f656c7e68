// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package store keeps the supervision status of each side of a watchdog
// pair so it can be inspected from outside the pair.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a role.
var ErrNotFound = errors.New("store: record not found")

// State of a supervised process
type State string

// States
const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateReviving State = "reviving"
	StateStopped  State = "stopped"
)

// Record of one side of the pair
type Record struct {
	Role       string    `json:"role"`
	PID        int       `json:"pid"`
	PartnerPID int       `json:"partner_pid"`
	Revivals   int       `json:"revivals"`
	State      State     `json:"state"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store saves and reads records, one per role.
type Store interface {
	// Save writes r under r.Role, stamping UpdatedAt.
	Save(r *Record) error
	// Read returns the record of role, or ErrNotFound.
	Read(role string) (*Record, error)
	// Delete removes the record of role.
	Delete(role string) error
	// Records lists the roles that have a record.
	Records() ([]string, error)
}

// New returns a redis store if url is set, a file store in dir if dir is
// set, or a store that discards everything.
func New(dir, url string) Store {
	switch {
	case url != "":
		return NewRedis(url)
	case dir != "":
		return NewFile(dir)
	}
	return Discard{}
}

// Discard is a Store that keeps nothing.
type Discard struct{}

// Save does nothing
func (Discard) Save(*Record) error { return nil }

// Read always fails with ErrNotFound
func (Discard) Read(string) (*Record, error) { return nil, ErrNotFound }

// Delete does nothing
func (Discard) Delete(string) error { return nil }

// Records is always empty
func (Discard) Records() ([]string, error) { return nil, nil }

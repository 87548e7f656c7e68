// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package store

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/changkun/watchdog/internal/pool"
	"github.com/gomodule/redigo/redis"
)

const prefixRecord = "watchdog:record:"

// Redis keeps records as json strings under watchdog:record:<role>.
type Redis struct {
	url  string
	pool *redis.Pool
}

// NewRedis creates a store on the redis server at url.
func NewRedis(url string) *Redis {
	return &Redis{url: url, pool: pool.Get(url)}
}

// Close releases the connections to the server.
func (s *Redis) Close() error {
	return pool.Close(s.url)
}

// Save record into redis
func (s *Redis) Save(r *Record) error {
	r.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.set(prefixRecord+r.Role, string(data))
}

// Read record of role
func (s *Redis) Read(role string) (*Record, error) {
	reply, err := s.get(prefixRecord + role)
	if errors.Is(err, redis.ErrNil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r := &Record{}
	if err := json.Unmarshal([]byte(reply), r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete record of role
func (s *Redis) Delete(role string) error {
	return s.del(prefixRecord + role)
}

// Records lists all roles with a record
func (s *Redis) Records() ([]string, error) {
	keys, err := s.keys(prefixRecord)
	if err != nil {
		return nil, err
	}
	roles := []string{}
	for _, key := range keys {
		roles = append(roles, strings.TrimPrefix(key, prefixRecord))
	}
	sort.Strings(roles)
	return roles, nil
}

func (s *Redis) get(key string) (value string, err error) {
	conn := s.pool.Get()
	defer conn.Close()
	value, err = redis.String(conn.Do("GET", key))
	return
}

func (s *Redis) set(key, value string) (err error) {
	conn := s.pool.Get()
	defer conn.Close()

	_, err = conn.Do("SET", key, value)
	return
}

func (s *Redis) del(key string) (err error) {
	conn := s.pool.Get()
	defer conn.Close()

	_, err = conn.Do("DEL", key)
	return
}

func (s *Redis) keys(prefix string) (keys []string, err error) {
	conn := s.pool.Get()
	defer conn.Close()
	keys, err = redis.Strings(conn.Do("KEYS", prefix+"*"))
	return
}

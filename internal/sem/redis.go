// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sem

import (
	"context"
	"errors"
	"fmt"

	"github.com/changkun/watchdog/internal/pool"
	"github.com/gomodule/redigo/redis"
)

const prefixSem = "watchdog:sem:"

// RedisOpener opens semaphores kept as redis lists: Post pushes a token,
// Wait pops one, Unlink deletes the list.
type RedisOpener struct {
	url  string
	pool *redis.Pool
}

// NewRedisOpener creates an opener on the redis server at url.
func NewRedisOpener(url string) *RedisOpener {
	return &RedisOpener{url: url, pool: pool.Get(url)}
}

// Close releases the connections to the server. Semaphores opened before
// must not be used afterwards.
func (o *RedisOpener) Close() error {
	return pool.Close(o.url)
}

// Open attaches to the named semaphore.
func (o *RedisOpener) Open(name string) (Semaphore, error) {
	return &redisSem{pool: o.pool, key: prefixSem + name}, nil
}

// Unlink deletes the named semaphore.
func (o *RedisOpener) Unlink(name string) error {
	conn := o.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("DEL", prefixSem+name); err != nil {
		return fmt.Errorf("sem: unlink %s: %w", name, err)
	}
	return nil
}

type redisSem struct {
	pool *redis.Pool
	key  string
}

func (s *redisSem) Post() error {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := conn.Do("LPUSH", s.key, "1")
	return err
}

func (s *redisSem) Wait(ctx context.Context) error {
	for {
		ok, err := s.pop()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// pop blocks for at most one second waiting for a token.
func (s *redisSem) pop() (bool, error) {
	conn := s.pool.Get()
	defer conn.Close()

	_, err := redis.Values(conn.Do("BRPOP", s.key, 1))
	if errors.Is(err, redis.ErrNil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisSem) Close() error {
	return nil
}

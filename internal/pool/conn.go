// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package pool

import (
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

var (
	mu    sync.Mutex
	pools = map[string]*redis.Pool{}
)

// Get returns the shared connection pool for url, creating it on first use.
func Get(url string) *redis.Pool {
	mu.Lock()
	defer mu.Unlock()
	if p, ok := pools[url]; ok {
		return p
	}
	p := newPool(url)
	pools[url] = p
	return p
}

// Close closes and forgets the pool of url.
func Close(url string) error {
	mu.Lock()
	p, ok := pools[url]
	delete(pools, url)
	mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// newPool creates a redis connection pool
func newPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package watchdog

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/changkun/watchdog/internal/sem"
	"gopkg.in/yaml.v3"
)

// Environment variables read by the watchdog. A partner process is always
// launched with the configuration exported into these variables.
const (
	EnvPID               = "WD_PID"
	EnvRole              = "WD_ROLE"
	EnvConfig            = "WD_CONFIG"
	EnvHeartbeatInterval = "WD_HEARTBEAT_INTERVAL"
	EnvCheckInterval     = "WD_CHECK_INTERVAL"
	EnvRollbackInterval  = "WD_ROLLBACK_INTERVAL"
	EnvThreshold         = "WD_THRESHOLD"
	EnvResolution        = "WD_RESOLUTION"
	EnvSemBackend        = "WD_SEM_BACKEND"
	EnvSemDir            = "WD_SEM_DIR"
	EnvRedisURL          = "WD_REDIS_URL"
	EnvStoreDir          = "WD_STORE_DIR"
	EnvStoreURL          = "WD_STORE_URL"
	EnvGuardianPath      = "WD_GUARDIAN_PATH"
	EnvDebug             = "WD_DEBUG"
)

// SemaphoreConfig selects where the two rendezvous semaphores live.
type SemaphoreConfig struct {
	Backend  string `yaml:"backend"`
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redis_url"`
}

// StoreConfig selects where status records are kept. Nothing is kept if
// both fields are empty.
type StoreConfig struct {
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redis_url"`
}

// Config of a watchdog pair. Both processes of a pair must use the same
// configuration.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	RollbackInterval  time.Duration `yaml:"rollback_interval"`
	// Threshold is the number of unacknowledged heartbeats tolerated
	// before the partner is revived.
	Threshold int32 `yaml:"threshold"`
	// Resolution is the longest single sleep of the scheduler.
	Resolution time.Duration `yaml:"resolution"`

	Semaphore SemaphoreConfig `yaml:"semaphore"`
	Store     StoreConfig     `yaml:"store"`

	// GuardianPath is the guardian executable. If empty the client
	// executable is started again in guardian role.
	GuardianPath string `yaml:"guardian_path"`
	Debug        bool   `yaml:"debug"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Second * 2,
		CheckInterval:     time.Second * 2,
		RollbackInterval:  time.Second * 4,
		Threshold:         5,
		Resolution:        time.Second,
		Semaphore:         SemaphoreConfig{Backend: sem.BackendFile},
	}
}

// LoadConfig reads the yaml file at path over the defaults, then applies
// the environment. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("watchdog: load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("watchdog: parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return errors.New("watchdog: heartbeat interval must be positive")
	case c.CheckInterval <= 0:
		return errors.New("watchdog: check interval must be positive")
	case c.RollbackInterval <= 0:
		return errors.New("watchdog: rollback interval must be positive")
	case c.Threshold <= 0:
		return errors.New("watchdog: threshold must be positive")
	case c.Resolution <= 0:
		return errors.New("watchdog: resolution must be positive")
	}
	switch c.Semaphore.Backend {
	case "", sem.BackendFile, sem.BackendMemory:
	case sem.BackendRedis:
		if c.Semaphore.RedisURL == "" {
			return errors.New("watchdog: redis semaphore backend requires a url")
		}
	default:
		return fmt.Errorf("watchdog: %w: %q", sem.ErrUnknownBackend, c.Semaphore.Backend)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{EnvHeartbeatInterval, &c.HeartbeatInterval},
		{EnvCheckInterval, &c.CheckInterval},
		{EnvRollbackInterval, &c.RollbackInterval},
		{EnvResolution, &c.Resolution},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("watchdog: %s: %w", d.key, err)
		}
		*d.dst = dur
	}
	if v, ok := lookup(EnvThreshold); ok {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("watchdog: %s: %w", EnvThreshold, err)
		}
		c.Threshold = int32(n)
	}
	if v, ok := lookup(EnvDebug); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("watchdog: %s: %w", EnvDebug, err)
		}
		c.Debug = b
	}
	strs := []struct {
		key string
		dst *string
	}{
		{EnvSemBackend, &c.Semaphore.Backend},
		{EnvSemDir, &c.Semaphore.Dir},
		{EnvRedisURL, &c.Semaphore.RedisURL},
		{EnvStoreDir, &c.Store.Dir},
		{EnvStoreURL, &c.Store.RedisURL},
		{EnvGuardianPath, &c.GuardianPath},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}
	return nil
}

// Environ exports c as environment assignments that LoadConfig("") reads
// back into an identical configuration.
func (c Config) Environ() []string {
	return []string{
		EnvHeartbeatInterval + "=" + c.HeartbeatInterval.String(),
		EnvCheckInterval + "=" + c.CheckInterval.String(),
		EnvRollbackInterval + "=" + c.RollbackInterval.String(),
		EnvResolution + "=" + c.Resolution.String(),
		EnvThreshold + "=" + strconv.FormatInt(int64(c.Threshold), 10),
		EnvDebug + "=" + strconv.FormatBool(c.Debug),
		EnvSemBackend + "=" + c.Semaphore.Backend,
		EnvSemDir + "=" + c.Semaphore.Dir,
		EnvRedisURL + "=" + c.Semaphore.RedisURL,
		EnvStoreDir + "=" + c.Store.Dir,
		EnvStoreURL + "=" + c.Store.RedisURL,
		EnvGuardianPath + "=" + c.GuardianPath,
	}
}

// Package config reads the fabric's dotted configuration keys into a typed
// snapshot that components receive at construction time instead of pulling
// values out of a global.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is an immutable snapshot of the values a Node, its BlockManager and
// its scheduler need at construction time.
type Config struct {
	v *viper.Viper
}

func defaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	v.SetDefault("fabric.cluster.listen_addresses", []string{fmt.Sprintf("tcp://%s:5000", hostname)})
	v.SetDefault("fabric.cluster.seeds", []string{})
	v.SetDefault("fabric.cluster.hello_timeout", 5*time.Second)
	v.SetDefault("fabric.cluster.watchdog_interval", 15*time.Second)
	v.SetDefault("fabric.cluster.watchdog_misses", 3)
	v.SetDefault("fabric.cluster.seed_backoff_min", 500*time.Millisecond)
	v.SetDefault("fabric.cluster.seed_backoff_max", 30*time.Second)
	v.SetDefault("fabric.cluster.port_probe_range", 1000)

	v.SetDefault("fabric.scheduler.worker_count", 0) // 0 => len(workers) at call time
	v.SetDefault("fabric.scheduler.attempts", 3)
	v.SetDefault("fabric.scheduler.memory_limit", int64(0)) // 0 => unbounded, advisory only

	v.SetDefault("fabric.blockmgr.block_size", 1<<20) // 1 MiB
	v.SetDefault("fabric.blockmgr.availability_timeout", 1*time.Second)
}

// New builds a Config from environment variables (FABRIC_*), an optional
// config file, and defaults, in that descending precedence.
func New(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("FABRIC")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	return &Config{v: v}, nil
}

// BindFlags wires a pflag.FlagSet (as built by cobra commands) over the
// config defaults, letting command-line flags override file/env values.
func (c *Config) BindFlags(fs *pflag.FlagSet) error {
	return c.v.BindPFlags(fs)
}

func (c *Config) ListenAddresses() []string { return c.v.GetStringSlice("fabric.cluster.listen_addresses") }
func (c *Config) Seeds() []string           { return c.v.GetStringSlice("fabric.cluster.seeds") }

func (c *Config) HelloTimeout() time.Duration     { return c.v.GetDuration("fabric.cluster.hello_timeout") }
func (c *Config) WatchdogInterval() time.Duration { return c.v.GetDuration("fabric.cluster.watchdog_interval") }
func (c *Config) WatchdogMisses() int             { return c.v.GetInt("fabric.cluster.watchdog_misses") }
func (c *Config) SeedBackoffMin() time.Duration   { return c.v.GetDuration("fabric.cluster.seed_backoff_min") }
func (c *Config) SeedBackoffMax() time.Duration   { return c.v.GetDuration("fabric.cluster.seed_backoff_max") }
func (c *Config) PortProbeRange() int             { return c.v.GetInt("fabric.cluster.port_probe_range") }

func (c *Config) WorkerCount() int   { return c.v.GetInt("fabric.scheduler.worker_count") }
func (c *Config) Attempts() int      { return c.v.GetInt("fabric.scheduler.attempts") }
func (c *Config) MemoryLimit() int64 { return c.v.GetInt64("fabric.scheduler.memory_limit") }

func (c *Config) BlockSize() int                     { return c.v.GetInt("fabric.blockmgr.block_size") }
func (c *Config) AvailabilityTimeout() time.Duration { return c.v.GetDuration("fabric.blockmgr.availability_timeout") }

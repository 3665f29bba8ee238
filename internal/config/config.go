// Package config holds the client-side configuration for the metadata
// cache, loaded from YAML the same way the teacher's pkg/config loads a
// node's storage configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration structure for a metacache-backed client.
type Config struct {
	Master MasterConfig `yaml:"master"`
	Cache  CacheConfig  `yaml:"cache"`
	Logger LoggerConfig `yaml:"logger"`
	Admin  AdminConfig  `yaml:"admin"`
}

// MasterConfig describes how to reach the master cluster.
type MasterConfig struct {
	// Addresses of the master cluster's RPC endpoints, in priority order.
	Addresses []string `yaml:"addresses"`
	// ZKQuorum, if set, overrides Addresses with ZooKeeper-based master
	// leader discovery (see pkg/masterdiscovery).
	ZKQuorum   []string      `yaml:"zk_quorum"`
	ZKPath     string        `yaml:"zk_path"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// CacheConfig holds the spec's §6 configuration variables.
type CacheConfig struct {
	// ClientUseUnixDomainSockets permits a UDS path for local tablet servers.
	ClientUseUnixDomainSockets bool `yaml:"client_use_unix_domain_sockets"`
	// ClientTabletLocationsByIDTTL is the TTL for id-keyed cache entries.
	ClientTabletLocationsByIDTTL time.Duration `yaml:"client_tablet_locations_by_id_ttl"`
	// MasterLookupSemaphoreCapacity bounds concurrent in-flight master lookups.
	MasterLookupSemaphoreCapacity int `yaml:"master_lookup_semaphore_capacity"`
	// FetchTabletsPerRangeLookup / FetchTabletsPerPointLookup control
	// max_returned_locations for range-mode vs point-mode lookups.
	FetchTabletsPerRangeLookup int `yaml:"fetch_tablets_per_range_lookup"`
	FetchTabletsPerPointLookup int `yaml:"fetch_tablets_per_point_lookup"`
}

// LoggerConfig controls slog output, matching the teacher's LoggerConfig.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AdminConfig controls the debug/introspection HTTP server.
type AdminConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a baseline configuration, matching the teacher's
// config.Default() convention.
func Default() Config {
	return Config{
		Master: MasterConfig{
			Addresses:  []string{"127.0.0.1:7051"},
			RPCTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			ClientUseUnixDomainSockets:    false,
			ClientTabletLocationsByIDTTL:  60 * time.Minute,
			MasterLookupSemaphoreCapacity: 50,
			FetchTabletsPerRangeLookup:    10,
			FetchTabletsPerPointLookup:    1,
		},
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		Admin:  AdminConfig{ListenAddress: "127.0.0.1:8084"},
	}
}

// Load reads and validates a YAML config file. Keys absent from the file
// keep their Default() values; a key set explicitly to zero or empty is
// kept as written and may then fail validation.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the cache depends on at construction time.
func (c Config) Validate() error {
	if len(c.Master.Addresses) == 0 && len(c.Master.ZKQuorum) == 0 {
		return fmt.Errorf("config: at least one master address or zk_quorum entry is required")
	}
	if c.Cache.MasterLookupSemaphoreCapacity <= 0 {
		return fmt.Errorf("config: master_lookup_semaphore_capacity must be positive")
	}
	if c.Cache.FetchTabletsPerRangeLookup <= 0 || c.Cache.FetchTabletsPerPointLookup <= 0 {
		return fmt.Errorf("config: fetch_tablets_per_*_lookup must be positive")
	}
	if c.Cache.ClientTabletLocationsByIDTTL <= 0 {
		return fmt.Errorf("config: client_tablet_locations_by_id_ttl must be positive")
	}
	return nil
}

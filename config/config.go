// Package config loads and defaults locationd's runtime configuration,
// following the teacher's yaml.v2 + zero-value-defaulting pattern
// (internal/config.GetConfig in the teacher repo).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable named in the location-service design. Zero
// values are replaced by ApplyDefaults with the defaults set there.
type Config struct {
	// IsMasterEligible marks this machine as a candidate for the Master
	// role in election. Ineligible machines never attempt to claim the
	// lease.
	IsMasterEligible bool `yaml:"isMasterEligible"`

	// KeySpacePrefix namespaces every GlobalKV and CentralStore key this
	// cluster writes, allowing multiple clusters to share one backend.
	KeySpacePrefix string `yaml:"keySpacePrefix"`

	// EventHubEpoch identifies the current event-hub generation; changing
	// it starts a fresh, disjoint event stream.
	EventHubEpoch string `yaml:"eventHubEpoch"`

	ContentHashBumpTime                     time.Duration `yaml:"contentHashBumpTime"`
	MachineExpiry                           time.Duration `yaml:"machineExpiry"`
	LocationEntryExpiry                     time.Duration `yaml:"locationEntryExpiry"`
	RecomputeInactiveMachinesExpiry         time.Duration `yaml:"recomputeInactiveMachinesExpiry"`
	ClusterStateMirrorInterval              time.Duration `yaml:"clusterStateMirrorInterval"`
	MasterLeaseExpiryTime                   time.Duration `yaml:"masterLeaseExpiryTime"`
	HeartbeatInterval                       time.Duration `yaml:"heartbeatInterval"`
	CreateCheckpointInterval                time.Duration `yaml:"createCheckpointInterval"`
	RestoreCheckpointAgeThreshold           time.Duration `yaml:"restoreCheckpointAgeThreshold"`
	UseIncrementalCheckpointing             bool          `yaml:"useIncrementalCheckpointing"`
	UseDistributedCentralStorage            bool          `yaml:"useDistributedCentralStorage"`
	RetryWindow                             time.Duration `yaml:"retryWindow"`
	SafeToLazilyUpdateMachineCountThreshold int           `yaml:"safeToLazilyUpdateMachineCountThreshold"`
	// ReplicaCredit is in minutes: eviction ranking subtracts
	// ReplicaCredit*max(replicaCount-1,0) minutes from a hash's raw age.
	ReplicaCredit int `yaml:"replicaCredit"`
	EvictionMinAge                          time.Duration `yaml:"evictionMinAge"`
	TouchFrequency                          time.Duration `yaml:"touchFrequency"`
	MachineLocationUpdateWindow             time.Duration `yaml:"machineLocationUpdateWindow"`
	ReconciliationMaxCycleSize              int           `yaml:"reconciliationMaxCycleSize"`
	ReconciliationCycleFrequency            time.Duration `yaml:"reconciliationCycleFrequency"`
	AllowSkipReconciliation                 bool          `yaml:"allowSkipReconciliation"`
	UnsafeDisableReconciliation             bool          `yaml:"unsafeDisableReconciliation"`
	EnableProactiveCopy                     bool          `yaml:"enableProactiveCopy"`
	PushProactiveCopies                     bool          `yaml:"pushProactiveCopies"`
	ProactiveCopyOnPut                      bool          `yaml:"proactiveCopyOnPut"`
	ProactiveCopyOnPin                      bool          `yaml:"proactiveCopyOnPin"`
	ProactiveCopyUsePreferredLocations      bool          `yaml:"proactiveCopyUsePreferredLocations"`
	ProactiveCopyRejectOldContent           bool          `yaml:"proactiveCopyRejectOldContent"`
	StoreClusterStateInDatabase             bool          `yaml:"storeClusterStateInDatabase"`

	// DataDir is the local directory for the LocationDB badger instance
	// and, under DataDir/checkpoints, the local central checkpoint store,
	// which is used whatever UseDistributedCentralStorage is set to.
	// Modeled on the teacher's Config.Paths[0].
	DataDir string `yaml:"dataDir"`

	// MinimumFreeGB mirrors the teacher's disk-headroom guard: opening the
	// LocationDB or the local central checkpoint store fails when less
	// free space than this is available. It is not checked again later.
	MinimumFreeGB uint `yaml:"minimumFreeGB"`

	RedisAddrPrimary   string `yaml:"redisAddrPrimary"`
	RedisAddrSecondary string `yaml:"redisAddrSecondary"`
}

// Load reads YAML config from path and applies defaults for zero-valued
// fields. It does not read command-line arguments.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the defaults set below. It is exported so callers building a Config programmatically
// (tests, embedders) get the same defaulting Load does.
func (c *Config) ApplyDefaults() {
	if c.KeySpacePrefix == "" {
		c.KeySpacePrefix = "locationd"
	}
	if c.EventHubEpoch == "" {
		c.EventHubEpoch = "default"
	}
	if c.ContentHashBumpTime == 0 {
		c.ContentHashBumpTime = 5 * time.Minute
	}
	if c.MachineExpiry == 0 {
		c.MachineExpiry = 2 * time.Minute
	}
	if c.LocationEntryExpiry == 0 {
		c.LocationEntryExpiry = 30 * time.Minute
	}
	if c.RecomputeInactiveMachinesExpiry == 0 {
		c.RecomputeInactiveMachinesExpiry = 30 * time.Second
	}
	if c.ClusterStateMirrorInterval == 0 {
		c.ClusterStateMirrorInterval = time.Minute
	}
	if c.MasterLeaseExpiryTime == 0 {
		c.MasterLeaseExpiryTime = 15 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.CreateCheckpointInterval == 0 {
		c.CreateCheckpointInterval = 10 * time.Minute
	}
	if c.RestoreCheckpointAgeThreshold == 0 {
		c.RestoreCheckpointAgeThreshold = 20 * time.Minute
	}
	if c.RetryWindow == 0 {
		c.RetryWindow = 30 * time.Second
	}
	if c.SafeToLazilyUpdateMachineCountThreshold == 0 {
		c.SafeToLazilyUpdateMachineCountThreshold = 8
	}
	if c.ReplicaCredit == 0 {
		c.ReplicaCredit = 2
	}
	if c.EvictionMinAge == 0 {
		c.EvictionMinAge = time.Hour
	}
	if c.TouchFrequency == 0 {
		c.TouchFrequency = time.Minute
	}
	if c.MachineLocationUpdateWindow == 0 {
		c.MachineLocationUpdateWindow = 10 * time.Second
	}
	if c.ReconciliationMaxCycleSize == 0 {
		c.ReconciliationMaxCycleSize = 5000
	}
	if c.ReconciliationCycleFrequency == 0 {
		c.ReconciliationCycleFrequency = 5 * time.Minute
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = 5
	}
	if c.RedisAddrPrimary == "" {
		c.RedisAddrPrimary = "localhost:6379"
	}
	if c.RedisAddrSecondary == "" {
		c.RedisAddrSecondary = "localhost:6380"
	}
}

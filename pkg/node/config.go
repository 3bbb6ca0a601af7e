package node

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/feeds"
	"github.com/core-tools/hsu-mgmt/pkg/policies"
	"github.com/core-tools/hsu-mgmt/pkg/process"
	"github.com/core-tools/hsu-mgmt/pkg/processfile"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
	"github.com/core-tools/hsu-mgmt/pkg/telemetry"
)

// NodeConfig represents the top-level configuration file structure
type NodeConfig struct {
	Node     NodeConfigOptions       `yaml:"node" toml:"node"`
	Storage  StorageConfig           `yaml:"storage" toml:"storage"`
	Tasks    tasks.Config            `yaml:"tasks" toml:"tasks"`
	Metrics  telemetry.MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tracing  telemetry.TracingConfig `yaml:"tracing" toml:"tracing"`
	// PIDFiles enables PID files for process entities
	PIDFiles *processfile.Config `yaml:"pid_files,omitempty" toml:"pid_files"`
	Entities []EntityConfig      `yaml:"entities" toml:"entities" validate:"dive"`
}

// NodeConfigOptions represents node-level configuration
type NodeConfigOptions struct {
	Port                 int           `yaml:"port" toml:"port" validate:"required,min=1,max=65535"`
	LogLevel             string        `yaml:"log_level,omitempty" toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty" toml:"force_shutdown_timeout" validate:"gte=0"`
	// AutoStart invokes start on every root entity once the node is up
	AutoStart bool `yaml:"auto_start,omitempty" toml:"auto_start"`
}

type StorageBackend string

const (
	StorageBackendMemory StorageBackend = "memory"
	StorageBackendSQLite StorageBackend = "sqlite"
)

type StorageConfig struct {
	Backend StorageBackend        `yaml:"backend" toml:"backend" validate:"oneof=memory sqlite"`
	SQLite  *storage.SQLiteConfig `yaml:"sqlite,omitempty" toml:"sqlite" validate:"omitempty"`
}

// EntityType selects how an entity declared in the configuration is built
type EntityType string

const (
	EntityTypeBasic       EntityType = "basic"
	EntityTypeApplication EntityType = "application"
	EntityTypeProcess     EntityType = "process"
	EntityTypeGroup       EntityType = "group"
)

// EntityConfig declares one entity under management
type EntityConfig struct {
	ID          string         `yaml:"id" toml:"id" validate:"required,max=64"`
	Type        EntityType     `yaml:"type" toml:"type" validate:"required,oneof=basic application process group"`
	DisplayName string         `yaml:"display_name,omitempty" toml:"display_name"`
	Parent      string         `yaml:"parent,omitempty" toml:"parent"`
	Enabled     *bool          `yaml:"enabled,omitempty" toml:"enabled"` // Pointer to distinguish unset from false
	Tags        []string       `yaml:"tags,omitempty" toml:"tags"`
	Config      map[string]any `yaml:"config,omitempty" toml:"config"`
	Locations   []string       `yaml:"locations,omitempty" toml:"locations"`

	// Process is required for process entities
	Process *ProcessConfig `yaml:"process,omitempty" toml:"process"`
	// Filter is the CEL membership expression of a group
	Filter      string                   `yaml:"filter,omitempty" toml:"filter"`
	HealthCheck *feeds.HealthCheckConfig `yaml:"health_check,omitempty" toml:"health_check"`
	Restart     *policies.RestartConfig  `yaml:"restart,omitempty" toml:"restart"`
}

type ProcessConfig struct {
	Execution process.ExecutionConfig `yaml:"execution" toml:"execution"`
	StopGrace time.Duration           `yaml:"stop_grace,omitempty" toml:"stop_grace"`
}

// IsEnabled reports whether the entity should be created; unset means enabled
func (c EntityConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// LoadConfigFromFile reads a YAML or, for .toml files, a TOML configuration
func LoadConfigFromFile(filename string) (*NodeConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		format = "toml"
	}
	config, err := ParseConfig(data, format)
	if err != nil {
		if domainErr, ok := err.(*errors.DomainError); ok {
			return nil, domainErr.WithContext("filename", filename)
		}
		return nil, err
	}
	return config, nil
}

// ParseConfig decodes data in the given format (yaml or toml) and applies defaults
func ParseConfig(data []byte, format string) (*NodeConfig, error) {
	var config NodeConfig
	switch format {
	case "yaml", "yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&config); err != nil {
			return nil, errors.NewValidationError("failed to parse YAML configuration", err)
		}
	case "toml":
		metadata, err := toml.Decode(string(data), &config)
		if err != nil {
			return nil, errors.NewValidationError("failed to parse TOML configuration", err)
		}
		if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewValidationError("unknown TOML configuration key", nil).
				WithContext("key", undecoded[0].String())
		}
	default:
		return nil, errors.NewValidationError("unsupported configuration format: "+format, nil)
	}

	setConfigDefaults(&config)
	return &config, nil
}

func setConfigDefaults(config *NodeConfig) {
	if config.Node.LogLevel == "" {
		config.Node.LogLevel = "info"
	}
	if config.Node.ForceShutdownTimeout == 0 {
		config.Node.ForceShutdownTimeout = 30 * time.Second
	}

	if config.Storage.Backend == "" {
		config.Storage.Backend = StorageBackendMemory
	}

	defaults := tasks.DefaultConfig()
	if config.Tasks.MaxConcurrentRoots == 0 {
		config.Tasks.MaxConcurrentRoots = defaults.MaxConcurrentRoots
	}
	if config.Tasks.Retention == 0 {
		config.Tasks.Retention = defaults.Retention
	}

	if config.Metrics.Namespace == "" {
		config.Metrics.Namespace = telemetry.DefaultMetricsConfig().Namespace
	}

	tracing := telemetry.DefaultTracingConfig()
	if config.Tracing.Exporter == "" {
		config.Tracing.Exporter = tracing.Exporter
	}
	if config.Tracing.SamplingRate == 0 {
		config.Tracing.SamplingRate = tracing.SamplingRate
	}
	if config.Tracing.ExportTimeout == 0 {
		config.Tracing.ExportTimeout = tracing.ExportTimeout
	}

	for i := range config.Entities {
		entityConfig := &config.Entities[i]
		if entityConfig.DisplayName == "" {
			entityConfig.DisplayName = entityConfig.ID
		}
		if entityConfig.Restart != nil {
			defaults := policies.DefaultRestartConfig()
			if entityConfig.Restart.MaxRetries == 0 {
				entityConfig.Restart.MaxRetries = defaults.MaxRetries
			}
			if entityConfig.Restart.RetryDelay == 0 {
				entityConfig.Restart.RetryDelay = defaults.RetryDelay
			}
			if entityConfig.Restart.BackoffRate == 0 {
				entityConfig.Restart.BackoffRate = defaults.BackoffRate
			}
		}
	}
}

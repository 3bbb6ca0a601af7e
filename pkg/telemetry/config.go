package telemetry

import (
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// MetricsConfig configures the Prometheus collectors
type MetricsConfig struct {
	Enabled   bool      `yaml:"enabled" toml:"enabled"`
	Namespace string    `yaml:"namespace" toml:"namespace"`
	Buckets   []float64 `yaml:"buckets,omitempty" toml:"buckets"`
	// Listen is the address of the /metrics endpoint; empty disables it
	Listen string `yaml:"listen,omitempty" toml:"listen"`
}

// TracingConfig configures span export
type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Exporter is one of otlp, stdout or none
	Exporter      string            `yaml:"exporter" toml:"exporter"`
	Endpoint      string            `yaml:"endpoint,omitempty" toml:"endpoint"`
	Insecure      bool              `yaml:"insecure,omitempty" toml:"insecure"`
	Headers       map[string]string `yaml:"headers,omitempty" toml:"headers"`
	SamplingRate  float64           `yaml:"sampling_rate" toml:"sampling_rate"`
	ExportTimeout time.Duration     `yaml:"export_timeout,omitempty" toml:"export_timeout"`
}

// DefaultMetricsConfig returns enabled metrics under the "hsu_mgmt" namespace
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{Enabled: true, Namespace: "hsu_mgmt"}
}

// DefaultTracingConfig returns disabled tracing
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{Exporter: "none", SamplingRate: 1.0, ExportTimeout: 30 * time.Second}
}

// Validate checks the tracing settings
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case "otlp":
		if c.Endpoint == "" {
			return errors.NewValidationError("otlp exporter requires an endpoint", nil)
		}
	case "stdout", "none":
	default:
		return errors.NewValidationError("unsupported trace exporter: "+c.Exporter, nil)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return errors.NewValidationError("sampling rate must be between 0 and 1", nil)
	}
	return nil
}

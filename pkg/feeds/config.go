package feeds

import (
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

type CheckType string

const (
	CheckTypeHTTP    CheckType = "http"
	CheckTypeGRPC    CheckType = "grpc"
	CheckTypeTCP     CheckType = "tcp"
	CheckTypeExec    CheckType = "exec"
	CheckTypeProcess CheckType = "process"
	CheckTypeFunc    CheckType = "func"
)

type HTTPCheckConfig struct {
	URL     string            `yaml:"url" toml:"url"`
	Method  string            `yaml:"method,omitempty" toml:"method"`
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers"`
}

type GRPCCheckConfig struct {
	Address string `yaml:"address" toml:"address"`
	// Service is the name passed to grpc.health.v1.Health/Check; empty checks the server
	Service string `yaml:"service,omitempty" toml:"service"`
}

type TCPCheckConfig struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
}

type ExecCheckConfig struct {
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args,omitempty" toml:"args"`
}

type RunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty" toml:"interval"`
	Timeout      time.Duration `yaml:"timeout,omitempty" toml:"timeout"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" toml:"initial_delay"`
	// FailureThreshold is the number of consecutive failures after which the
	// entity is reported not up; earlier failures only degrade it
	FailureThreshold int `yaml:"failure_threshold,omitempty" toml:"failure_threshold"`
}

// HealthCheckConfig selects and parameterises one check
type HealthCheckConfig struct {
	Type       CheckType       `yaml:"type" toml:"type"`
	HTTP       HTTPCheckConfig `yaml:"http,omitempty" toml:"http"`
	GRPC       GRPCCheckConfig `yaml:"grpc,omitempty" toml:"grpc"`
	TCP        TCPCheckConfig  `yaml:"tcp,omitempty" toml:"tcp"`
	Exec       ExecCheckConfig `yaml:"exec,omitempty" toml:"exec"`
	RunOptions RunOptions      `yaml:"run_options,omitempty" toml:"run_options"`
}

func setRunOptionsDefaults(options *RunOptions) {
	if options.Interval == 0 {
		options.Interval = 10 * time.Second
	}
	if options.Timeout == 0 {
		options.Timeout = options.Interval / 2
	}
	if options.FailureThreshold == 0 {
		options.FailureThreshold = 2
	}
}

// ValidateHealthCheckConfig validates health check configuration
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if err := ValidateRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid health check run options", err)
	}

	switch config.Type {
	case CheckTypeHTTP:
		if config.HTTP.URL == "" {
			return errors.NewValidationError("HTTP URL is required for HTTP health check", nil)
		}
	case CheckTypeGRPC:
		if config.GRPC.Address == "" {
			return errors.NewValidationError("gRPC address is required for gRPC health check", nil)
		}
	case CheckTypeTCP:
		if config.TCP.Address == "" {
			return errors.NewValidationError("TCP address is required for TCP health check", nil)
		}
		if config.TCP.Port <= 0 || config.TCP.Port > 65535 {
			return errors.NewValidationError("TCP port must be between 1 and 65535", nil)
		}
	case CheckTypeExec:
		if config.Exec.Command == "" {
			return errors.NewValidationError("command is required for exec health check", nil)
		}
	case CheckTypeProcess, CheckTypeFunc:
	default:
		return errors.NewValidationError("unsupported health check type: "+string(config.Type), nil)
	}
	return nil
}

// ValidateRunOptions validates health check run options
func ValidateRunOptions(options RunOptions) error {
	if options.Interval <= 0 {
		return errors.NewValidationError("health check interval must be positive", nil)
	}
	if options.Timeout <= 0 {
		return errors.NewValidationError("health check timeout must be positive", nil)
	}
	if options.Timeout >= options.Interval {
		return errors.NewValidationError("health check timeout must be less than interval", nil)
	}
	if options.FailureThreshold < 1 {
		return errors.NewValidationError("failure threshold must be at least 1", nil)
	}
	if options.InitialDelay < 0 {
		return errors.NewValidationError("initial delay cannot be negative", nil)
	}
	return nil
}

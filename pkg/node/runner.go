package node

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
)

// LoadAndValidateConfig loads a configuration file and validates it
func LoadAndValidateConfig(configFile string) (*NodeConfig, error) {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return nil, errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}

	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}

	return config, nil
}

// Run serves config until a termination signal arrives or runDuration
// seconds have passed, when positive
func Run(runDuration int, config *NodeConfig, coreLogger corelogging.Logger, logger logging.Logger) error {
	logger.Infof("Node runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		duration := time.Duration(runDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	logger.Infof("Node port: %d, entities: %d, storage: %s", config.Node.Port, len(config.Entities), config.Storage.Backend)

	node, err := NewNode(ctx, config, coreLogger, logger)
	if err != nil {
		return errors.NewInternalError("failed to create node", err)
	}

	if err := node.Deploy(); err != nil {
		node.Stop(context.Background())
		return errors.NewValidationError("failed to deploy entities", err)
	}

	node.Start(ctx)

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Node is ready")

	select {
	case receivedSignal := <-sig:
		logger.Infof("Node runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Node runner timed out")
	}

	// Reset context to background to enable graceful shutdown
	node.Stop(context.Background())

	logger.Infof("Node runner stopped")
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	_, err := LoadAndValidateConfig(configFile)
	return err
}

// GetConfigSummary returns a human-readable summary of the configuration
func GetConfigSummary(config *NodeConfig) ConfigSummary {
	if config == nil {
		return ConfigSummary{Error: "configuration is nil"}
	}

	summary := ConfigSummary{
		NodePort: config.Node.Port,
		LogLevel: config.Node.LogLevel,
		Storage:  string(config.Storage.Backend),
		Entities: make([]EntitySummary, 0, len(config.Entities)),
	}

	for _, entityConfig := range config.Entities {
		entitySummary := EntitySummary{
			ID:         entityConfig.ID,
			Type:       string(entityConfig.Type),
			Parent:     entityConfig.Parent,
			Enabled:    entityConfig.IsEnabled(),
			Restarting: entityConfig.Restart != nil,
		}
		if entityConfig.Process != nil {
			entitySummary.ExecutablePath = entityConfig.Process.Execution.ExecutablePath
		}
		if entityConfig.HealthCheck != nil {
			entitySummary.HealthCheckType = string(entityConfig.HealthCheck.Type)
		}
		summary.Entities = append(summary.Entities, entitySummary)
		if entitySummary.Enabled {
			summary.EnabledEntities++
		}
	}
	summary.TotalEntities = len(summary.Entities)

	return summary
}

// ConfigSummary provides a high-level overview of configuration
type ConfigSummary struct {
	NodePort        int             `json:"node_port"`
	LogLevel        string          `json:"log_level"`
	Storage         string          `json:"storage"`
	TotalEntities   int             `json:"total_entities"`
	EnabledEntities int             `json:"enabled_entities"`
	Entities        []EntitySummary `json:"entities"`
	Error           string          `json:"error,omitempty"`
}

// EntitySummary provides a summary of one configured entity
type EntitySummary struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Parent          string `json:"parent,omitempty"`
	Enabled         bool   `json:"enabled"`
	ExecutablePath  string `json:"executable_path,omitempty"`
	HealthCheckType string `json:"health_check_type,omitempty"`
	Restarting      bool   `json:"restarting"`
}

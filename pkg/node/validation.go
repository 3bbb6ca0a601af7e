package node

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/feeds"
	"github.com/core-tools/hsu-mgmt/pkg/group"
	"github.com/core-tools/hsu-mgmt/pkg/policies"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *NodeConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := structValidator.Struct(config); err != nil {
		return errors.NewValidationError("invalid configuration", err)
	}

	if err := validateNodeConfig(&config.Node); err != nil {
		return errors.NewValidationError("invalid node configuration", err)
	}

	if err := validateStorageConfig(&config.Storage); err != nil {
		return errors.NewValidationError("invalid storage configuration", err)
	}

	if err := config.Tracing.Validate(); err != nil {
		return errors.NewValidationError("invalid tracing configuration", err)
	}
	if config.Tracing.Enabled && config.Tracing.Exporter == "otlp" {
		if err := ValidateNetworkAddress(config.Tracing.Endpoint); err != nil {
			return errors.NewValidationError("invalid tracing endpoint", err)
		}
	}

	if err := validateEntitiesConfig(config.Entities); err != nil {
		return errors.NewValidationError("invalid entities configuration", err)
	}

	return nil
}

func validateNodeConfig(options *NodeConfigOptions) error {
	if err := ValidatePort(options.Port); err != nil {
		return err
	}
	return ValidateTimeout(options.ForceShutdownTimeout, "force shutdown")
}

func validateStorageConfig(config *StorageConfig) error {
	switch config.Backend {
	case StorageBackendMemory:
		return nil
	case StorageBackendSQLite:
		if config.SQLite == nil || config.SQLite.Path == "" {
			return errors.NewValidationError("sqlite storage requires a path", nil)
		}
		return nil
	}
	return errors.NewValidationError("unsupported storage backend: "+string(config.Backend), nil)
}

// validateEntitiesConfig reports every invalid entity rather than the first
func validateEntitiesConfig(entities []EntityConfig) error {
	collection := errors.NewErrorCollection()
	declared := make(map[string]*EntityConfig, len(entities))

	for i := range entities {
		entityConfig := &entities[i]
		if err := ValidateEntityID(entityConfig.ID); err != nil {
			collection.Add(errors.NewValidationError("invalid entity ID", err).WithContext("entity_index", i))
			continue
		}
		if _, exists := declared[entityConfig.ID]; exists {
			collection.Add(errors.NewConflictError("duplicate entity ID", nil).WithContext("entity_id", entityConfig.ID))
			continue
		}
		declared[entityConfig.ID] = entityConfig

		if err := validateEntityConfig(entityConfig); err != nil {
			collection.Add(errors.NewValidationError(
				fmt.Sprintf("invalid entity %s", entityConfig.ID), err).WithContext("entity_id", entityConfig.ID))
		}
	}

	for _, entityConfig := range declared {
		if entityConfig.Parent == "" {
			continue
		}
		if _, ok := declared[entityConfig.Parent]; !ok {
			collection.Add(errors.NewValidationError("unknown parent: "+entityConfig.Parent, nil).
				WithContext("entity_id", entityConfig.ID))
			continue
		}
		if parentCycle(declared, entityConfig.ID) {
			collection.Add(errors.NewCycleError("parent chain loops back to "+entityConfig.ID, nil).
				WithContext("entity_id", entityConfig.ID))
		}
	}

	return collection.ToError()
}

func parentCycle(declared map[string]*EntityConfig, id string) bool {
	seen := map[string]bool{id: true}
	for current := declared[id].Parent; current != ""; {
		if seen[current] {
			return true
		}
		seen[current] = true
		parent, ok := declared[current]
		if !ok {
			return false
		}
		current = parent.Parent
	}
	return false
}

func validateEntityConfig(config *EntityConfig) error {
	switch config.Type {
	case EntityTypeProcess:
		if config.Process == nil {
			return errors.NewValidationError("process entity requires a process section", nil)
		}
		if err := config.Process.Execution.Validate(); err != nil {
			return err
		}
	case EntityTypeGroup:
		if config.Filter == "" {
			return errors.NewValidationError("group entity requires a filter", nil)
		}
		if _, err := group.NewCELFilter(config.Filter); err != nil {
			return err
		}
	case EntityTypeBasic, EntityTypeApplication:
	default:
		return errors.NewValidationError("unsupported entity type: "+string(config.Type), nil)
	}

	if config.Filter != "" && config.Type != EntityTypeGroup {
		return errors.NewValidationError("only group entities take a filter", nil)
	}
	if config.HealthCheck != nil {
		if config.HealthCheck.Type == feeds.CheckTypeFunc {
			return errors.NewValidationError("func health checks cannot be configured from a file", nil)
		}
		if err := feeds.ValidateHealthCheckConfig(*config.HealthCheck); err != nil {
			return err
		}
	}
	if config.Restart != nil {
		if err := policies.ValidateRestartConfig(*config.Restart); err != nil {
			return err
		}
	}
	return nil
}

// ValidateEntityID validates entity ID format and constraints
func ValidateEntityID(id string) error {
	if id == "" {
		return errors.NewValidationError("entity ID cannot be empty", nil)
	}

	if len(id) > 64 {
		return errors.NewValidationError("entity ID cannot exceed 64 characters", nil)
	}

	for _, char := range id {
		if !isValidIDChar(char) {
			return errors.NewValidationError("entity ID contains invalid characters: only letters, numbers, hyphens, dots and underscores are allowed", nil)
		}
	}

	return nil
}

// ValidatePort validates port number
func ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535", nil)
	}
	return nil
}

// ValidateNetworkAddress validates a host:port address
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	if host == "" {
		return errors.NewValidationError("host cannot be empty in address: "+address, nil)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	if err := ValidatePort(port); err != nil {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}

	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" timeout cannot be negative", nil)
	}

	if timeout == 0 {
		return errors.NewValidationError(name+" timeout cannot be zero", nil)
	}

	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_' || char == '.'
}

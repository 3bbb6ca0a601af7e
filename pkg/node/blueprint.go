package node

import (
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/entities"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/feeds"
	"github.com/core-tools/hsu-mgmt/pkg/group"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/management"
	"github.com/core-tools/hsu-mgmt/pkg/policies"
	"github.com/core-tools/hsu-mgmt/pkg/processfile"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// Deployment is what a configuration produced inside a management context
type Deployment struct {
	Roots      []*entity.Entity
	Groups     []*group.DynamicGroup
	Feeds      []*feeds.HealthFeed
	Restarters []*policies.ServiceRestarter
}

// Stop halts every feed, policy and group membership tracker of the deployment
func (d *Deployment) Stop() {
	for _, dynamic := range d.Groups {
		dynamic.Stop()
	}
	for _, feed := range d.Feeds {
		feed.Stop()
	}
	for _, restarter := range d.Restarters {
		restarter.Stop()
	}
}

type deployOptions struct {
	pidFiles *processfile.Manager
}

type DeployOption func(*deployOptions)

// WithPIDFiles makes process entities record their PIDs with pidFiles
func WithPIDFiles(pidFiles *processfile.Manager) DeployOption {
	return func(o *deployOptions) {
		o.pidFiles = pidFiles
	}
}

// Deploy builds the configured entities and manages them under mc. Disabled
// entities are skipped together with their descendants.
func Deploy(mc *management.Context, configs []EntityConfig, logger logging.Logger, opts ...DeployOption) (*Deployment, error) {
	options := &deployOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if err := validateEntitiesConfig(configs); err != nil {
		return nil, err
	}

	byID := make(map[string]*EntityConfig, len(configs))
	for i := range configs {
		byID[configs[i].ID] = &configs[i]
	}

	built := make(map[string]*entity.Entity, len(configs))
	ordered := make([]*EntityConfig, 0, len(configs))
	for i := range configs {
		config := &configs[i]
		if !enabled(byID, config) {
			logger.Infof("Entity %s is disabled, skipping", config.ID)
			continue
		}
		e, err := buildEntity(mc, config, options, logger)
		if err != nil {
			return nil, err
		}
		built[config.ID] = e
		ordered = append(ordered, config)
	}

	deployment := &Deployment{}
	for _, config := range ordered {
		e := built[config.ID]
		if config.Parent == "" {
			deployment.Roots = append(deployment.Roots, e)
			continue
		}
		if err := e.SetParent(built[config.Parent]); err != nil {
			return nil, errors.NewValidationError("failed to set parent", err).WithContext("entity_id", config.ID)
		}
	}

	for _, root := range deployment.Roots {
		if err := mc.Manage(root); err != nil {
			deployment.Stop()
			return nil, err
		}
	}

	for _, config := range ordered {
		if err := deployment.attach(mc, built[config.ID], config); err != nil {
			deployment.Stop()
			return nil, errors.NewInternalError("failed to attach adjuncts", err).WithContext("entity_id", config.ID)
		}
	}
	return deployment, nil
}

func enabled(byID map[string]*EntityConfig, config *EntityConfig) bool {
	for current := config; current != nil; current = byID[current.Parent] {
		if !current.IsEnabled() {
			return false
		}
		if current.Parent == "" {
			break
		}
	}
	return true
}

func buildEntity(mc *management.Context, config *EntityConfig, options *deployOptions, logger logging.Logger) (*entity.Entity, error) {
	opts := []entity.Option{
		entity.WithID(config.ID),
		entity.WithDisplayName(config.DisplayName),
		entity.WithLogger(logging.NewChildLogger(logger, fmt.Sprintf("entity: %s , ", config.ID))),
	}

	var e *entity.Entity
	switch config.Type {
	case EntityTypeBasic:
		e = entity.New(opts...)
	case EntityTypeGroup:
		e = entity.New(append(opts, entity.AsGroup())...)
	case EntityTypeApplication:
		e = entities.NewApplication(mc.Bus(), nil, opts...)
	case EntityTypeProcess:
		driver := entities.NewProcessDriver(config.Process.Execution, config.Process.StopGrace)
		if options.pidFiles != nil {
			driver.WithPIDFiles(options.pidFiles)
		}
		e = entities.NewSoftwareProcess(driver, mc.Bus(), opts...)
	default:
		return nil, errors.NewValidationError("unsupported entity type: "+string(config.Type), nil).
			WithContext("entity_id", config.ID)
	}

	e.AddTags(config.Tags...)
	for _, location := range config.Locations {
		e.AddLocations(entity.NamedLocation(location))
	}
	for name, value := range config.Config {
		if _, err := e.SetConfig(sensors.NewConfigKey[any](name, ""), value); err != nil {
			return nil, errors.NewValidationError("invalid config value", err).
				WithContext("entity_id", config.ID).WithContext("key", name)
		}
	}
	return e, nil
}

func (d *Deployment) attach(mc *management.Context, e *entity.Entity, config *EntityConfig) error {
	if config.Type == EntityTypeGroup {
		filter, err := group.NewCELFilter(config.Filter)
		if err != nil {
			return err
		}
		dynamic, err := mc.AddDynamicGroup(e, filter)
		if err != nil {
			return err
		}
		d.Groups = append(d.Groups, dynamic)
	}
	if config.HealthCheck != nil {
		feed, err := feeds.AttachHealthFeed(e, *config.HealthCheck)
		if err != nil {
			return err
		}
		d.Feeds = append(d.Feeds, feed)
	}
	if config.Restart != nil {
		restarter, err := policies.AttachServiceRestarter(e, mc, mc.Bus(), *config.Restart)
		if err != nil {
			return err
		}
		d.Restarters = append(d.Restarters, restarter)
	}
	return nil
}

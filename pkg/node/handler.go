package node

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/domain"
	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/logging"
	"github.com/core-tools/hsu-mgmt/pkg/management"
	"github.com/core-tools/hsu-mgmt/pkg/sensors"
	"github.com/core-tools/hsu-mgmt/pkg/tasks"
)

type nodeHandler struct {
	management *management.Context
	logger     logging.Logger
}

// NewNodeHandler serves the management API from mc
func NewNodeHandler(mc *management.Context, logger logging.Logger) domain.Contract {
	return &nodeHandler{
		management: mc,
		logger:     logger,
	}
}

func (h *nodeHandler) lookup(entityID string) (*entity.Entity, error) {
	e, ok := h.management.Lookup(entityID)
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("entity %s is not managed", entityID), nil).
			WithContext("entity_id", entityID)
	}
	return e, nil
}

func (h *nodeHandler) InvokeEffector(ctx context.Context, entityID, effector string, params map[string]any, wait bool) (domain.TaskInfo, error) {
	task, err := h.management.Invoke(ctx, entityID, effector, params)
	if err != nil {
		return domain.TaskInfo{}, err
	}
	h.logger.Infof("Invoked %s on %s, task: %s", effector, entityID, task.ID())
	return h.describe(ctx, task, wait)
}

func (h *nodeHandler) GetTask(ctx context.Context, taskID string, wait bool) (domain.TaskInfo, error) {
	task, ok := h.management.Engine().Lookup(taskID)
	if !ok {
		return domain.TaskInfo{}, errors.NewNotFoundError("task not found", nil).WithContext("task_id", taskID)
	}
	return h.describe(ctx, task, wait)
}

// describe reports the task, first waiting for it when wait is set. Task
// failures are part of the description, only a cancelled wait is an error.
func (h *nodeHandler) describe(ctx context.Context, task *tasks.Task, wait bool) (domain.TaskInfo, error) {
	if wait {
		select {
		case <-task.Done():
		case <-ctx.Done():
			return domain.TaskInfo{}, errors.NewCancelledError("stopped waiting for task", ctx.Err()).
				WithContext("task_id", task.ID())
		}
	}

	tags := task.Tags()
	info := domain.TaskInfo{
		ID:       task.ID(),
		Name:     task.Name(),
		EntityID: tags.EntityID,
		Effector: tags.Effector,
		State:    string(task.State()),
		Done:     task.IsDone(),
	}
	if info.Done {
		result, err := task.Get()
		info.Result = result
		if err != nil {
			info.Error = err.Error()
		}
	}
	return info, nil
}

func (h *nodeHandler) GetAttribute(_ context.Context, entityID, sensorName string) (any, bool, error) {
	e, err := h.lookup(entityID)
	if err != nil {
		return nil, false, err
	}
	sensor, ok := e.Sensor(sensorName)
	if !ok || !e.HasAttribute(sensor) {
		return nil, false, nil
	}
	return e.GetAttribute(sensor), true, nil
}

// SetConfig coerces value through the entity's known key, or stores it
// unchanged when no key of that name was declared
func (h *nodeHandler) SetConfig(_ context.Context, entityID, keyName string, value any) (any, error) {
	e, err := h.lookup(entityID)
	if err != nil {
		return nil, err
	}
	key, ok := e.ConfigKey(keyName)
	if !ok {
		key = sensors.NewConfigKey[any](keyName, "")
	}
	previous, err := e.SetConfig(key, value)
	if err != nil {
		return nil, err
	}
	h.logger.Infof("Config %s set on %s", keyName, entityID)
	return previous, nil
}

func (h *nodeHandler) GetChildren(_ context.Context, entityID string) ([]domain.EntitySummary, error) {
	var list []*entity.Entity
	if entityID == "" {
		list = h.management.Roots()
	} else {
		e, err := h.lookup(entityID)
		if err != nil {
			return nil, err
		}
		list = e.Children()
	}

	summaries := make([]domain.EntitySummary, 0, len(list))
	for _, e := range list {
		summaries = append(summaries, summarize(e))
	}
	return summaries, nil
}

func summarize(e *entity.Entity) domain.EntitySummary {
	summary := domain.EntitySummary{
		ID:          e.ID(),
		DisplayName: e.DisplayName(),
		Tags:        e.Tags(),
	}
	if up, ok := entity.Attribute(e, sensors.ServiceUp); ok {
		summary.Up = &up
	}
	if state, ok := entity.Attribute(e, sensors.ServiceStateActual); ok {
		summary.State = string(state)
	}
	return summary
}

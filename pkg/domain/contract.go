package domain

import (
	"context"
)

// TaskInfo describes a task as seen through the management API
type TaskInfo struct {
	ID       string
	Name     string
	EntityID string
	Effector string
	State    string
	Done     bool
	Result   any
	Error    string
}

// EntitySummary is the externally visible state of an entity
type EntitySummary struct {
	ID          string
	DisplayName string
	Tags        []string
	Up          *bool
	State       string
}

type Contract interface {
	// InvokeEffector starts an effector; with wait it returns once the task is done
	InvokeEffector(ctx context.Context, entityID, effector string, params map[string]any, wait bool) (TaskInfo, error)
	GetTask(ctx context.Context, taskID string, wait bool) (TaskInfo, error)
	GetAttribute(ctx context.Context, entityID, sensor string) (any, bool, error)
	// SetConfig sets a config value and returns the previous one
	SetConfig(ctx context.Context, entityID, key string, value any) (any, error)
	// GetChildren lists the children of entityID, or the roots when it is empty
	GetChildren(ctx context.Context, entityID string) ([]EntitySummary, error)
}

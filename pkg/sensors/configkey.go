package sensors

import (
	"fmt"
)

// MergeMode describes how a write to a structured key combines with the current value
type MergeMode int

const (
	// Overwrite replaces the previous value
	Overwrite MergeMode = iota
	// MergeMaps adds the written entries to the existing map
	MergeMaps
	// AppendLists appends the written items to the existing list
	AppendLists
)

// Key is the untyped view of a config key used by the state store
type Key interface {
	Name() string
	Description() string
	TypeName() string
	Default() any
	Coerce(value any) (any, error)
	MergeMode() MergeMode
}

// ConfigKey identifies a typed config entry with an optional default
type ConfigKey[T any] struct {
	name         string
	description  string
	defaultValue T
	mergeMode    MergeMode
}

// NewConfigKey declares a key whose default is the zero value of T
func NewConfigKey[T any](name, description string) ConfigKey[T] {
	return ConfigKey[T]{name: name, description: description}
}

// NewConfigKeyWithDefault declares a key with an explicit default
func NewConfigKeyWithDefault[T any](name, description string, defaultValue T) ConfigKey[T] {
	return ConfigKey[T]{name: name, description: description, defaultValue: defaultValue}
}

// NewMapConfigKey declares a structured key whose writes merge into the existing map
func NewMapConfigKey(name, description string) ConfigKey[map[string]any] {
	return ConfigKey[map[string]any]{name: name, description: description, mergeMode: MergeMaps}
}

// NewListConfigKey declares a structured key whose writes append to the existing list
func NewListConfigKey(name, description string) ConfigKey[[]any] {
	return ConfigKey[[]any]{name: name, description: description, mergeMode: AppendLists}
}

func (k ConfigKey[T]) Name() string {
	return k.name
}

func (k ConfigKey[T]) Description() string {
	return k.description
}

func (k ConfigKey[T]) TypeName() string {
	return typeName[T]()
}

func (k ConfigKey[T]) Default() any {
	return k.defaultValue
}

// DefaultValue returns the typed default
func (k ConfigKey[T]) DefaultValue() T {
	return k.defaultValue
}

func (k ConfigKey[T]) MergeMode() MergeMode {
	return k.mergeMode
}

func (k ConfigKey[T]) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	return Coerce[T](value)
}

func (k ConfigKey[T]) String() string {
	return fmt.Sprintf("ConfigKey[%s:%s]", k.name, k.TypeName())
}

// Merge combines an existing own value with a newly written one according to mode
func Merge(mode MergeMode, existing, written any) any {
	switch mode {
	case MergeMaps:
		oldMap, okOld := existing.(map[string]any)
		newMap, okNew := written.(map[string]any)
		if !okOld || !okNew {
			return written
		}
		merged := make(map[string]any, len(oldMap)+len(newMap))
		for k, v := range oldMap {
			merged[k] = v
		}
		for k, v := range newMap {
			merged[k] = v
		}
		return merged
	case AppendLists:
		oldList, okOld := existing.([]any)
		newList, okNew := written.([]any)
		if !okOld || !okNew {
			return written
		}
		merged := make([]any, 0, len(oldList)+len(newList))
		merged = append(merged, oldList...)
		return append(merged, newList...)
	default:
		return written
	}
}

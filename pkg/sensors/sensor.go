// Package sensors declares typed attribute sensors and config keys and the
// coercions applied when values are stored under them.
package sensors

import (
	"fmt"
)

// Sensor is the untyped view of a sensor used by the state store and event bus
type Sensor interface {
	Name() string
	Description() string
	TypeName() string
	// Coerce converts a raw value to the sensor's declared type
	Coerce(value any) (any, error)
	// IsNotification is true for sensors whose events are never stored as attributes
	IsNotification() bool
}

// AttributeSensor is a named, typed, observable piece of entity state
type AttributeSensor[T any] struct {
	name         string
	description  string
	notification bool
}

// NewAttributeSensor declares a sensor stored in the entity's attribute map
func NewAttributeSensor[T any](name, description string) AttributeSensor[T] {
	return AttributeSensor[T]{name: name, description: description}
}

// NewNotificationSensor declares a sensor that is only ever emitted, never stored
func NewNotificationSensor[T any](name, description string) AttributeSensor[T] {
	return AttributeSensor[T]{name: name, description: description, notification: true}
}

func (s AttributeSensor[T]) Name() string {
	return s.name
}

func (s AttributeSensor[T]) Description() string {
	return s.description
}

func (s AttributeSensor[T]) TypeName() string {
	return typeName[T]()
}

func (s AttributeSensor[T]) IsNotification() bool {
	return s.notification
}

func (s AttributeSensor[T]) Coerce(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	return Coerce[T](value)
}

func (s AttributeSensor[T]) String() string {
	return fmt.Sprintf("Sensor[%s:%s]", s.name, s.TypeName())
}

// MapSensor stores a nested key/value map whose entries are updated individually
type MapSensor = AttributeSensor[map[string]any]

// NewMapSensor declares a map sensor
func NewMapSensor(name, description string) MapSensor {
	return NewAttributeSensor[map[string]any](name, description)
}

// UntypedSensor is used when a sensor is discovered at runtime from its name only
type UntypedSensor struct {
	name string
}

// NewUntypedSensor declares a sensor that accepts any value unchanged
func NewUntypedSensor(name string) UntypedSensor {
	return UntypedSensor{name: name}
}

func (s UntypedSensor) Name() string                  { return s.name }
func (s UntypedSensor) Description() string           { return "" }
func (s UntypedSensor) TypeName() string              { return "any" }
func (s UntypedSensor) Coerce(value any) (any, error) { return value, nil }
func (s UntypedSensor) IsNotification() bool          { return false }

type removeMarker struct{}

func (removeMarker) String() string { return "<remove>" }

// Remove is the sentinel value that deletes a map sensor entry or an attribute
var Remove any = removeMarker{}

// IsRemove reports whether value is the Remove sentinel
func IsRemove(value any) bool {
	_, ok := value.(removeMarker)
	return ok
}

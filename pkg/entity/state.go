package entity

import (
	"reflect"
	"slices"
	"sort"

	"github.com/core-tools/hsu-mgmt/pkg/sensors"
)

// MapEmptyPolicy decides what a map sensor becomes when its last entry is removed
type MapEmptyPolicy int

const (
	// KeepEmpty leaves an empty map, which is distinct from an absent one
	KeepEmpty MapEmptyPolicy = iota
	// RemoveWhenEmpty removes the attribute once the map is empty
	RemoveWhenEmpty
)

// GetConfig returns own, else inherited, else the key's default, coerced to the
// key's type. A stored value that cannot be coerced yields the default.
func (e *Entity) GetConfig(key sensors.Key) any {
	e.mutex.Lock()
	value, found := e.ownConfig[key.Name()]
	if !found {
		value, found = e.inheritedConfig[key.Name()]
	}
	e.mutex.Unlock()

	if !found {
		return key.Default()
	}
	if value == nil {
		return nil
	}
	coerced, err := key.Coerce(value)
	if err != nil {
		e.logger.Warnf("Config %s holds %v which does not fit %s, using default", key.Name(), value, key.TypeName())
		return key.Default()
	}
	return coerced
}

// Config is the typed form of GetConfig
func Config[T any](e *Entity, key sensors.ConfigKey[T]) T {
	value := e.GetConfig(key)
	if typed, ok := value.(T); ok {
		return typed
	}
	return key.DefaultValue()
}

// HasConfig reports whether the key is set on the entity or an ancestor
func (e *Entity) HasConfig(key sensors.Key) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, own := e.ownConfig[key.Name()]
	_, inherited := e.inheritedConfig[key.Name()]
	return own || inherited
}

// SetConfig stores value as own config and refreshes every descendant's
// inherited config before returning. Returns the previous own value.
func (e *Entity) SetConfig(key sensors.Key, value any) (any, error) {
	coerced, err := key.Coerce(value)
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	old := e.ownConfig[key.Name()]
	stored := sensors.Merge(key.MergeMode(), old, coerced)
	e.ownConfig[key.Name()] = stored
	e.configKeys[key.Name()] = key
	e.persistConfigLocked(key.Name(), stored, false)
	children := e.childrenLocked()
	e.mutex.Unlock()

	for _, child := range children {
		child.refreshInheritedConfig()
	}
	return old, nil
}

// UnsetConfig removes the own value so inherited or default values apply again
func (e *Entity) UnsetConfig(key sensors.Key) any {
	e.mutex.Lock()
	old, existed := e.ownConfig[key.Name()]
	delete(e.ownConfig, key.Name())
	e.persistConfigLocked(key.Name(), nil, true)
	children := e.childrenLocked()
	e.mutex.Unlock()

	if existed {
		for _, child := range children {
			child.refreshInheritedConfig()
		}
	}
	return old
}

// OwnConfig returns a copy of the config set directly on the entity
func (e *Entity) OwnConfig() map[string]any {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return copyMap(e.ownConfig)
}

// AllConfig returns own config layered over inherited config
func (e *Entity) AllConfig() map[string]any {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.allConfigLocked()
}

func (e *Entity) allConfigLocked() map[string]any {
	all := copyMap(e.inheritedConfig)
	for k, v := range e.ownConfig {
		all[k] = v
	}
	return all
}

// refreshInheritedConfig recomputes from the parent, then recurses into children.
// No lock is held across the recursion.
func (e *Entity) refreshInheritedConfig() {
	parent := e.Parent()
	inherited := make(map[string]any)
	if parent != nil {
		inherited = parent.AllConfig()
	}

	e.mutex.Lock()
	e.inheritedConfig = inherited
	children := e.childrenLocked()
	e.mutex.Unlock()

	for _, child := range children {
		child.refreshInheritedConfig()
	}
}

// GetAttribute returns the current value, or nil when absent
func (e *Entity) GetAttribute(sensor sensors.Sensor) any {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.attributes[sensor.Name()]
}

// Attribute is the typed form of GetAttribute; ok is false when the attribute is absent
func Attribute[T any](e *Entity, sensor sensors.AttributeSensor[T]) (T, bool) {
	e.mutex.Lock()
	value, found := e.attributes[sensor.Name()]
	e.mutex.Unlock()

	var zero T
	if !found || value == nil {
		return zero, false
	}
	typed, err := sensors.Coerce[T](value)
	if err != nil {
		return zero, false
	}
	return typed, true
}

// HasAttribute reports whether the attribute is present
func (e *Entity) HasAttribute(sensor sensors.Sensor) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	_, found := e.attributes[sensor.Name()]
	return found
}

// SetAttribute stores value and publishes the change. Passing sensors.Remove
// removes the attribute. Returns the previous value.
func (e *Entity) SetAttribute(sensor sensors.Sensor, value any) any {
	return e.setAttribute(sensor, value, false)
}

// SetAttributeIfChanged is SetAttribute that never publishes an unchanged value
func (e *Entity) SetAttributeIfChanged(sensor sensors.Sensor, value any) any {
	return e.setAttribute(sensor, value, true)
}

func (e *Entity) setAttribute(sensor sensors.Sensor, value any, suppress bool) any {
	if sensors.IsRemove(value) {
		return e.RemoveAttribute(sensor)
	}
	coerced, err := sensor.Coerce(value)
	if err != nil {
		e.logger.Warnf("Attribute %s set to %v which does not fit %s, storing as is", sensor.Name(), value, sensor.TypeName())
		coerced = value
	}

	e.mutex.Lock()
	e.registerSensorLocked(sensor)
	old, existed := e.attributes[sensor.Name()]
	e.attributes[sensor.Name()] = coerced
	unchanged := existed && reflect.DeepEqual(old, coerced)
	skip := unchanged && (suppress || e.suppressAll || e.suppressed[sensor.Name()])
	if !unchanged {
		e.persistAttributeLocked(sensor.Name(), coerced, false)
	}
	e.mutex.Unlock()

	if !skip {
		e.publish(sensor, coerced)
	}
	return old
}

// RemoveAttribute deletes the attribute and publishes a nil value when it existed
func (e *Entity) RemoveAttribute(sensor sensors.Sensor) any {
	e.mutex.Lock()
	old, existed := e.attributes[sensor.Name()]
	delete(e.attributes, sensor.Name())
	if existed {
		e.persistAttributeLocked(sensor.Name(), nil, true)
	}
	e.mutex.Unlock()

	if existed {
		e.publish(sensor, nil)
	}
	return old
}

// Emit publishes value without storing it, for notification sensors
func (e *Entity) Emit(sensor sensors.Sensor, value any) {
	e.mutex.Lock()
	e.registerSensorLocked(sensor)
	e.mutex.Unlock()
	e.publish(sensor, value)
}

// SuppressDuplicates stops publishing unchanged writes of the given sensors
func (e *Entity) SuppressDuplicates(list ...sensors.Sensor) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, s := range list {
		e.suppressed[s.Name()] = true
	}
}

// UpdateMapSensorEntry sets or, with sensors.Remove, deletes one entry of a map
// sensor. The map is copied, modified and stored in one step; a change is
// published exactly once, and nothing is published when the entry already had
// that value. Returns whether the attribute changed.
func (e *Entity) UpdateMapSensorEntry(sensor sensors.MapSensor, key string, value any, policy MapEmptyPolicy) bool {
	e.mutex.Lock()
	e.registerSensorLocked(sensor)
	current, existed := e.attributes[sensor.Name()].(map[string]any)
	updated := copyMap(current)

	changed := false
	if sensors.IsRemove(value) {
		if _, has := updated[key]; has {
			delete(updated, key)
			changed = true
		}
	} else {
		old, has := updated[key]
		if !has || !reflect.DeepEqual(old, value) {
			updated[key] = value
			changed = true
		}
	}

	remove := policy == RemoveWhenEmpty && len(updated) == 0
	switch {
	case remove && existed:
		delete(e.attributes, sensor.Name())
		e.persistAttributeLocked(sensor.Name(), nil, true)
		changed = true
	case remove:
		changed = false
	case changed || !existed:
		e.attributes[sensor.Name()] = updated
		e.persistAttributeLocked(sensor.Name(), updated, false)
		changed = true
	}
	e.mutex.Unlock()

	if !changed {
		return false
	}
	if remove {
		e.publish(sensor, nil)
	} else {
		e.publish(sensor, copyMap(updated))
	}
	return true
}

// Attributes returns a copy of every attribute
func (e *Entity) Attributes() map[string]any {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return copyMap(e.attributes)
}

// Sensors lists the sensors declared or discovered on the entity, sorted by name
func (e *Entity) Sensors() []sensors.Sensor {
	e.mutex.Lock()
	list := make([]sensors.Sensor, 0, len(e.sensors))
	for _, s := range e.sensors {
		list = append(list, s)
	}
	e.mutex.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Sensor finds a sensor by name
func (e *Entity) Sensor(name string) (sensors.Sensor, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	s, ok := e.sensors[name]
	return s, ok
}

// DeclareSensors registers sensors without setting values
func (e *Entity) DeclareSensors(list ...sensors.Sensor) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for _, s := range list {
		e.registerSensorLocked(s)
	}
}

// ConfigKey finds a key that was set on the entity or an ancestor by name
func (e *Entity) ConfigKey(name string) (sensors.Key, bool) {
	for current := e; current != nil; current = current.Parent() {
		current.mutex.Lock()
		key, ok := current.configKeys[name]
		current.mutex.Unlock()
		if ok {
			return key, true
		}
	}
	return nil, false
}

func (e *Entity) registerSensorLocked(sensor sensors.Sensor) {
	if existing, ok := e.sensors[sensor.Name()]; ok {
		if _, untyped := existing.(sensors.UntypedSensor); !untyped {
			return
		}
	}
	e.sensors[sensor.Name()] = sensor
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Tags returns the entity's tags
func (e *Entity) Tags() []string {
	tags, _ := Attribute(e, sensors.Tags)
	return tags
}

// AddTags adds tags not yet present and publishes the new list when it changed
func (e *Entity) AddTags(tags ...string) {
	current := e.Tags()
	updated := append([]string{}, current...)
	for _, tag := range tags {
		if !slices.Contains(updated, tag) {
			updated = append(updated, tag)
		}
	}
	if len(updated) != len(current) || !e.HasAttribute(sensors.Tags) {
		e.SetAttribute(sensors.Tags, updated)
	}
}

// RemoveTags removes the given tags and publishes the new list when it changed
func (e *Entity) RemoveTags(tags ...string) {
	current := e.Tags()
	updated := make([]string, 0, len(current))
	for _, tag := range current {
		if !slices.Contains(tags, tag) {
			updated = append(updated, tag)
		}
	}
	if len(updated) != len(current) {
		e.SetAttribute(sensors.Tags, updated)
	}
}

// Package storage provides the named maps and references entities persist
// their config and attributes into.
package storage

// Storage hands out named maps and references. Names are hierarchical by
// convention, e.g. "entity/<id>/attributes".
type Storage interface {
	GetMap(name string) Map
	GetRef(name string) Ref
	// Remove drops the map or reference with the given name
	Remove(name string) error
	// Names lists every map and reference currently holding data
	Names() []string
	Close() error
}

// Map is a named key/value map
type Map interface {
	Get(key string) (any, bool)
	Put(key string, value any) error
	Delete(key string) error
	// Replace swaps the whole content in one step
	Replace(entries map[string]any) error
	// Snapshot returns a copy of the content
	Snapshot() map[string]any
	Len() int
}

// Ref is a named single value
type Ref interface {
	Get() (any, bool)
	Set(value any) error
	Clear() error
}

func copyEntries(entries map[string]any) map[string]any {
	out := make(map[string]any, len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

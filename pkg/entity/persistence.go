package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/core-tools/hsu-mgmt/pkg/errors"
	"github.com/core-tools/hsu-mgmt/pkg/storage"
)

const storePrefix = "entity/"

func configStoreName(id string) string     { return storePrefix + id + "/config" }
func attributesStoreName(id string) string { return storePrefix + id + "/attributes" }
func metaStoreName(id string) string       { return storePrefix + id + "/meta" }

func storeNames(id string) []string {
	return []string{configStoreName(id), attributesStoreName(id), metaStoreName(id)}
}

// Meta is the persisted identity and position of an entity
type Meta struct {
	ID          string
	DisplayName string
	Parent      string
	Group       bool
	CreatedAt   time.Time
}

func (e *Entity) metaLocked() map[string]any {
	meta := map[string]any{
		"id":          e.id,
		"displayName": e.displayName,
		"group":       e.isGroup,
		"createdAt":   e.createdAt.UTC().Format(time.RFC3339Nano),
	}
	if e.parent != nil {
		meta["parent"] = e.parent.id
	}
	return meta
}

// persistLocked writes the full state; used when the entity becomes managed
func (e *Entity) persistLocked() {
	store := e.runtime.Storage
	if store == nil {
		return
	}
	if err := store.GetMap(configStoreName(e.id)).Replace(e.ownConfig); err != nil {
		e.logger.Warnf("Failed to persist config: %v", err)
	}
	if err := store.GetMap(attributesStoreName(e.id)).Replace(e.attributes); err != nil {
		e.logger.Warnf("Failed to persist attributes: %v", err)
	}
	e.persistMetaLocked()
}

func (e *Entity) persistMetaLocked() {
	if !e.managed || e.runtime.Storage == nil {
		return
	}
	if err := e.runtime.Storage.GetRef(metaStoreName(e.id)).Set(e.metaLocked()); err != nil {
		e.logger.Warnf("Failed to persist metadata: %v", err)
	}
}

func (e *Entity) persistConfigLocked(name string, value any, remove bool) {
	e.persistEntryLocked(configStoreName(e.id), name, value, remove)
}

func (e *Entity) persistAttributeLocked(name string, value any, remove bool) {
	e.persistEntryLocked(attributesStoreName(e.id), name, value, remove)
}

func (e *Entity) persistEntryLocked(storeName, key string, value any, remove bool) {
	if !e.managed || e.runtime.Storage == nil {
		return
	}
	m := e.runtime.Storage.GetMap(storeName)
	var err error
	if remove {
		err = m.Delete(key)
	} else {
		err = m.Put(key, value)
	}
	if err != nil {
		e.logger.Warnf("Failed to persist %s of %s: %v", key, storeName, err)
	}
}

// Snapshot returns the persisted form of the entity
func (e *Entity) Snapshot() (Meta, map[string]any, map[string]any) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	meta := Meta{ID: e.id, DisplayName: e.displayName, Group: e.isGroup, CreatedAt: e.createdAt}
	if e.parent != nil {
		meta.Parent = e.parent.id
	}
	return meta, copyMap(e.ownConfig), copyMap(e.attributes)
}

// StoredIDs lists the entity IDs that have metadata in store, sorted
func StoredIDs(store storage.Storage) []string {
	ids := make([]string, 0)
	for _, name := range store.Names() {
		if strings.HasPrefix(name, storePrefix) && strings.HasSuffix(name, "/meta") {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, storePrefix), "/meta"))
		}
	}
	sort.Strings(ids)
	return ids
}

// Restore rebuilds an unmanaged entity from store. The parent is returned by
// ID in Meta; the caller wires the tree once every entity is loaded.
func Restore(store storage.Storage, id string, opts ...Option) (*Entity, Meta, error) {
	raw, found := store.GetRef(metaStoreName(id)).Get()
	if !found {
		return nil, Meta{}, errors.NewNotFoundError(fmt.Sprintf("no stored entity %s", id), nil)
	}
	fields, ok := raw.(map[string]any)
	if !ok {
		return nil, Meta{}, errors.NewValidationError(fmt.Sprintf("stored metadata of %s is %T", id, raw), nil)
	}

	meta := Meta{ID: id}
	meta.DisplayName, _ = fields["displayName"].(string)
	meta.Parent, _ = fields["parent"].(string)
	meta.Group, _ = fields["group"].(bool)
	if created, ok := fields["createdAt"].(string); ok {
		meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	}

	options := append([]Option{WithID(id), WithDisplayName(meta.DisplayName)}, opts...)
	if meta.Group {
		options = append(options, AsGroup())
	}
	e := New(options...)
	if !meta.CreatedAt.IsZero() {
		e.createdAt = meta.CreatedAt
	}
	e.ownConfig = store.GetMap(configStoreName(id)).Snapshot()
	e.attributes = store.GetMap(attributesStoreName(id)).Snapshot()
	return e, meta, nil
}

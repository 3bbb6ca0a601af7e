package management

import (
	"fmt"

	"github.com/core-tools/hsu-mgmt/pkg/entity"
	"github.com/core-tools/hsu-mgmt/pkg/errors"
)

// Binder re-registers effectors and adjuncts on a restored entity before it
// becomes managed; state is restored from storage, behaviour is not
type Binder func(e *entity.Entity, meta entity.Meta) error

// Restore rebuilds every entity found in storage, rewires the tree and
// manages the restored roots. Entities already managed are skipped.
func (c *Context) Restore(bind Binder) ([]*entity.Entity, error) {
	restored := make(map[string]*entity.Entity)
	metas := make(map[string]entity.Meta)
	ids := make([]string, 0)

	for _, id := range entity.StoredIDs(c.storage) {
		if _, managed := c.Lookup(id); managed {
			continue
		}
		e, meta, err := entity.Restore(c.storage, id, entity.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		restored[id] = e
		metas[id] = meta
		ids = append(ids, id)
	}

	for _, id := range ids {
		parentID := metas[id].Parent
		if parentID == "" {
			continue
		}
		parent, ok := restored[parentID]
		if !ok {
			parent, ok = c.Lookup(parentID)
		}
		if !ok {
			return nil, errors.NewNotFoundError(fmt.Sprintf("parent %s of stored entity %s", parentID, id), nil)
		}
		if err := restored[id].SetParent(parent); err != nil {
			return nil, err
		}
	}

	if bind != nil {
		for _, id := range ids {
			if err := bind(restored[id], metas[id]); err != nil {
				return nil, errors.NewInternalError(fmt.Sprintf("binding restored entity %s", id), err)
			}
		}
	}

	entities := make([]*entity.Entity, 0, len(ids))
	for _, id := range ids {
		e := restored[id]
		entities = append(entities, e)
		parent := e.Parent()
		if parent != nil {
			if _, fromStorage := restored[parent.ID()]; fromStorage {
				continue
			}
		}
		if err := c.Manage(e); err != nil {
			return nil, err
		}
	}
	c.logger.Infof("Restored %d entities", len(entities))
	return entities, nil
}

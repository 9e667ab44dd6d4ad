// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package entity

import (
	"context"
)

// Filter narrows a store read. Empty slices place no constraint.
// Soft-deleted entities are never returned.
type Filter struct {
	IDs   []string
	Types []string
}

// Store persists the entities of a single tenant. Timestamps and the
// soft-delete marker are maintained by the store, not by callers.
type Store interface {
	// Find returns live entities matching the filter.
	Find(ctx context.Context, filter Filter) ([]Entity, error)

	// Upsert inserts the entity, or replaces the one with the same id.
	// Replacing revives a soft-deleted entity and keeps its creation
	// time. Returns the stored entity.
	Upsert(ctx context.Context, e Entity) (Entity, error)

	// Update replaces the data (and type, when non-empty) of an
	// existing live entity. Returns errors.NotFound when the id is
	// unknown or soft-deleted.
	Update(ctx context.Context, e Entity) (Entity, error)

	// SoftDelete marks the entity deleted and returns it. Returns
	// errors.NotFound when the id is unknown or already deleted.
	SoftDelete(ctx context.Context, id string) (Entity, error)

	// Insert adds the given entities. Ids are assigned by the caller
	// and must be fresh.
	Insert(ctx context.Context, entities []Entity) error
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package entity holds the user-owned datum manipulated through the
// effect table, and the pure in-memory query semantics programs see.
package entity

import (
	"time"
)

// Metadata records the provenance of an entity. TenantID is always the
// owning tenant's; the effect layer stamps it and stores never accept
// one tenant's writes into another's collection.
type Metadata struct {
	TenantID string
	UserID   string
	Source   string
}

// Entity is a schemaless user-owned record. Data holds the serialized
// blob; the store does not interpret it.
type Entity struct {
	ID        string
	Type      string
	Data      string
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the entity is soft-deleted.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

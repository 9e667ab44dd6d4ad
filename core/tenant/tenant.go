// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tenant names the tenants the scheduler works across and the
// registry port that hands out their per-tenant stores.
package tenant

import (
	"context"

	"github.com/juju/errors"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
)

// ValidateID rejects tenant identifiers that could escape the
// per-tenant namespace they are interpolated into (database names,
// credential keys). Only ASCII letters, digits, hyphen and underscore
// are allowed.
func ValidateID(id string) error {
	if id == "" {
		return errors.NotValidf("empty tenant id")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return errors.NotValidf("tenant id %q", id)
		}
	}
	return nil
}

// Registry enumerates the known tenants and resolves their stores. The
// handles it returns are already scoped to the named tenant; callers
// never combine a store with another tenant's identifiers.
type Registry interface {
	// List returns the known tenant ids in a stable order. The worker
	// visits tenants in this order within a tick.
	List(ctx context.Context) ([]string, error)

	// CommandStore returns the command store of the named tenant, or
	// errors.NotFound for an unknown tenant.
	CommandStore(ctx context.Context, tenantID string) (command.Store, error)

	// EntityStore returns the entity store of the named tenant, or
	// errors.NotFound for an unknown tenant.
	EntityStore(ctx context.Context, tenantID string) (entity.Store, error)
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state persists command and entity records in per-tenant
// mongo databases. Every mutation is a conditional update asserting
// the expected prior state; that is the only mutual exclusion between
// workers, within a process or across a fleet.
package state

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/tenant"
)

const (
	// commandsC holds one document per scheduled command.
	commandsC = "scheduledCommands"

	// entitiesC holds the tenant's user-owned entities.
	entitiesC = "entities"
)

// Params configures a Registry.
type Params struct {
	// Session is the dialed mongo session. The registry copies it per
	// operation and never closes the original.
	Session *mgo.Session

	// DatabasePrefix scopes this deployment's databases; tenant t
	// lives in "<prefix>-<t>".
	DatabasePrefix string

	// Tenants are the known tenant ids, in worker visit order.
	Tenants []string

	Clock  clock.Clock
	Logger corelogger.Logger
}

// Validate returns an error if the params cannot build a Registry.
func (p Params) Validate() error {
	if p.Session == nil {
		return errors.NotValidf("nil Session")
	}
	if p.DatabasePrefix == "" {
		return errors.NotValidf("empty DatabasePrefix")
	}
	if err := tenant.ValidateID(p.DatabasePrefix); err != nil {
		return errors.Annotate(err, "database prefix")
	}
	if len(p.Tenants) == 0 {
		return errors.NotValidf("no tenants")
	}
	for _, id := range p.Tenants {
		if err := tenant.ValidateID(id); err != nil {
			return errors.Trace(err)
		}
	}
	if p.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if p.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Registry implements tenant.Registry over per-tenant mongo databases.
type Registry struct {
	params Params
	known  set.Strings
}

// NewRegistry returns a Registry for the configured tenants.
func NewRegistry(params Params) (*Registry, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		params: params,
		known:  set.NewStrings(params.Tenants...),
	}, nil
}

// List is part of the tenant.Registry interface.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	out := make([]string, len(r.params.Tenants))
	copy(out, r.params.Tenants)
	return out, nil
}

// CommandStore is part of the tenant.Registry interface.
func (r *Registry) CommandStore(ctx context.Context, tenantID string) (command.Store, error) {
	if err := r.check(tenantID); err != nil {
		return nil, errors.Trace(err)
	}
	return &commandStore{
		session: r.params.Session,
		dbName:  r.databaseName(tenantID),
		clock:   r.params.Clock,
		logger:  r.params.Logger.Child("commands"),
	}, nil
}

// EntityStore is part of the tenant.Registry interface.
func (r *Registry) EntityStore(ctx context.Context, tenantID string) (entity.Store, error) {
	if err := r.check(tenantID); err != nil {
		return nil, errors.Trace(err)
	}
	return &entityStore{
		session: r.params.Session,
		dbName:  r.databaseName(tenantID),
		clock:   r.params.Clock,
	}, nil
}

// databaseName returns the database holding the tenant's collections.
func (r *Registry) databaseName(tenantID string) string {
	return r.params.DatabasePrefix + "-" + tenantID
}

func (r *Registry) check(tenantID string) error {
	if !r.known.Contains(tenantID) {
		return errors.NotFoundf("tenant %q", tenantID)
	}
	return nil
}

// EnsureIndexes creates the indexes the claim query depends on, for
// every tenant. Called once at daemon startup; idempotent.
func (r *Registry) EnsureIndexes() error {
	session := r.params.Session.Copy()
	defer session.Close()
	for _, id := range r.params.Tenants {
		db := session.DB(r.databaseName(id))
		commands := db.C(commandsC)
		if err := commands.EnsureIndex(mgo.Index{
			Key: []string{"disabled", "status", "next-run-at"},
		}); err != nil {
			return errors.Annotatef(err, "indexing commands for tenant %q", id)
		}
		entities := db.C(entitiesC)
		if err := entities.EnsureIndex(mgo.Index{
			Key: []string{"type"},
		}); err != nil {
			return errors.Annotatef(err, "indexing entities for tenant %q", id)
		}
	}
	return nil
}

// mongoTime truncates an instant to the millisecond precision mongo
// stores, in UTC, so that read-back comparisons are exact.
func mongoTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func mongoTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := mongoTime(*t)
	return &v
}

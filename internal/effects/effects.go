// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package effects builds the per-run capability surface a command
// program observes and mutates state through. A Table is bound to one
// (tenant, user, source, command) and is the only authority the
// program holds: every handler is curried with the tenant's stores,
// and the mutation counter and control signal are read back by the
// worker when the run ends.
package effects

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/tenant"
)

// Wire-stable operation names. Stored program text refers to these
// verbatim; never rename them.
const (
	OpAddObject       = "/add-object"
	OpAddObjectBulk   = "/add-object-bulk"
	OpUpdateObject    = "/update-object"
	OpDelObject       = "/del-object"
	OpGetObjectsRaw   = "/get-objects-raw"
	OpGetObjectsParse = "/get-objects-parsed"
	OpLog             = "/log"
	OpDisable         = "/disable"
	OpSetNextRunAt    = "/set-next-run-at"
)

// ErrSignalRaised is returned by the control handlers after recording
// their signal. The evaluator halts the program on it; it is not a
// program error.
const ErrSignalRaised = errors.ConstError("control signal raised")

// getObjectsLimit is the per-operation default page size, larger than
// the generic query default because programs batch over it.
const getObjectsLimit = 2000

// Handler is one effect operation. Arguments arrive as the loosely
// typed values the evaluator exports from the program.
type Handler func(ctx context.Context, args ...any) (any, error)

// Passthrough is an opaque capability to an external integration. It
// may succeed or throw; the core knows nothing else about it. The
// builder curries the tenant id so the integration cannot reach
// cross-tenant state.
type Passthrough func(ctx context.Context, tenantID string, arg any) (any, error)

// Scope identifies the invocation a table is bound to.
type Scope struct {
	TenantID  string
	UserID    string
	Source    string
	CommandID string
}

// Validate returns an error if the scope is incomplete.
func (s Scope) Validate() error {
	if err := tenant.ValidateID(s.TenantID); err != nil {
		return errors.Trace(err)
	}
	if s.UserID == "" {
		return errors.NotValidf("empty user id")
	}
	if s.CommandID == "" {
		return errors.NotValidf("empty command id")
	}
	return nil
}

// Builder constructs effect tables. One builder serves all tenants;
// the per-tenant stores are resolved at Build time.
type Builder struct {
	registry     tenant.Registry
	clock        clock.Clock
	passthroughs map[string]Passthrough
}

// NewBuilder returns a Builder. passthroughs maps extra wire names
// (e.g. "/send-email") to integration capabilities; nil is fine.
func NewBuilder(registry tenant.Registry, clk clock.Clock, passthroughs map[string]Passthrough) (*Builder, error) {
	if registry == nil {
		return nil, errors.NotValidf("nil registry")
	}
	if clk == nil {
		return nil, errors.NotValidf("nil clock")
	}
	for name := range passthroughs {
		switch name {
		case OpAddObject, OpAddObjectBulk, OpUpdateObject, OpDelObject,
			OpGetObjectsRaw, OpGetObjectsParse, OpLog, OpDisable, OpSetNextRunAt:
			return nil, errors.NotValidf("passthrough shadowing %q", name)
		}
	}
	return &Builder{
		registry:     registry,
		clock:        clk,
		passthroughs: passthroughs,
	}, nil
}

// Build returns a table bound to the scope.
func (b *Builder) Build(ctx context.Context, scope Scope) (*Table, error) {
	if err := scope.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	entities, err := b.registry.EntityStore(ctx, scope.TenantID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	commands, err := b.registry.CommandStore(ctx, scope.TenantID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := &Table{
		scope:    scope,
		entities: entities,
		commands: commands,
		clock:    b.clock,
	}
	t.handlers = map[string]Handler{
		OpAddObject:       t.addObject,
		OpAddObjectBulk:   t.addObjectBulk,
		OpUpdateObject:    t.updateObject,
		OpDelObject:       t.delObject,
		OpGetObjectsRaw:   t.getObjects(false),
		OpGetObjectsParse: t.getObjects(true),
		OpLog:             t.log,
		OpDisable:         t.disable,
		OpSetNextRunAt:    t.setNextRunAt,
	}
	for name, p := range b.passthroughs {
		p := p
		t.handlers[name] = func(ctx context.Context, args ...any) (any, error) {
			var arg any
			if len(args) > 0 {
				arg = args[0]
			}
			return p(ctx, scope.TenantID, arg)
		}
	}
	return t, nil
}

// Table is the per-run effect surface.
type Table struct {
	scope    Scope
	entities entity.Store
	commands command.Store
	clock    clock.Clock
	handlers map[string]Handler

	mu      sync.Mutex
	touched int
	signal  *command.Result
}

// Handlers returns the operation table keyed by wire name.
func (t *Table) Handlers() map[string]Handler {
	return t.handlers
}

// EntitiesTouched returns how many entity mutations the run made.
func (t *Table) EntitiesTouched() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched
}

// Signal returns the control signal the program raised, if any.
func (t *Table) Signal() *command.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signal
}

func (t *Table) touch(n int) {
	t.mu.Lock()
	t.touched += n
	t.mu.Unlock()
}

func (t *Table) raise(res command.Result) error {
	t.mu.Lock()
	if t.signal == nil {
		t.signal = &res
	}
	t.mu.Unlock()
	return ErrSignalRaised
}

// metadata stamps provenance on created and updated entities. A
// program may override the user and source it reports, but never the
// tenant.
func (t *Table) metadata(arg map[string]any) entity.Metadata {
	md := entity.Metadata{
		TenantID: t.scope.TenantID,
		UserID:   t.scope.UserID,
		Source:   t.scope.Source,
	}
	meta, _ := arg["metadata"].(map[string]any)
	if userID, ok := meta["userId"].(string); ok && userID != "" {
		md.UserID = userID
	}
	if source, ok := meta["source"].(string); ok && source != "" {
		md.Source = source
	}
	return md
}

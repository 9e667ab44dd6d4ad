// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statetesting provides in-memory stores implementing the
// scheduler's persistence ports, for tests that exercise worker and
// effect behaviour without a live database. The claim, sweep, and
// finalize semantics mirror the mongo implementation.
package statetesting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
)

// MemRegistry is an in-memory tenant.Registry. Stores are created on
// demand and survive for the registry's lifetime.
type MemRegistry struct {
	mu       sync.Mutex
	tenants  []string
	clock    clock.Clock
	commands map[string]*MemCommandStore
	entities map[string]*MemEntityStore
}

// NewMemRegistry returns a registry for the given tenants.
func NewMemRegistry(clk clock.Clock, tenants ...string) *MemRegistry {
	return &MemRegistry{
		tenants:  tenants,
		clock:    clk,
		commands: make(map[string]*MemCommandStore),
		entities: make(map[string]*MemEntityStore),
	}
}

// List is part of the tenant.Registry interface.
func (r *MemRegistry) List(ctx context.Context) ([]string, error) {
	out := make([]string, len(r.tenants))
	copy(out, r.tenants)
	return out, nil
}

// CommandStore is part of the tenant.Registry interface.
func (r *MemRegistry) CommandStore(ctx context.Context, tenantID string) (command.Store, error) {
	store, err := r.Commands(tenantID)
	return store, errors.Trace(err)
}

// EntityStore is part of the tenant.Registry interface.
func (r *MemRegistry) EntityStore(ctx context.Context, tenantID string) (entity.Store, error) {
	store, err := r.Entities(tenantID)
	return store, errors.Trace(err)
}

// Commands returns the concrete command store for direct seeding and
// inspection by tests.
func (r *MemRegistry) Commands(tenantID string) (*MemCommandStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known(tenantID) {
		return nil, errors.NotFoundf("tenant %q", tenantID)
	}
	store, ok := r.commands[tenantID]
	if !ok {
		store = NewMemCommandStore(r.clock)
		r.commands[tenantID] = store
	}
	return store, nil
}

// Entities returns the concrete entity store for direct seeding and
// inspection by tests.
func (r *MemRegistry) Entities(tenantID string) (*MemEntityStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known(tenantID) {
		return nil, errors.NotFoundf("tenant %q", tenantID)
	}
	store, ok := r.entities[tenantID]
	if !ok {
		store = NewMemEntityStore(r.clock)
		r.entities[tenantID] = store
	}
	return store, nil
}

func (r *MemRegistry) known(tenantID string) bool {
	for _, t := range r.tenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// MemCommandStore is an in-memory command.Store.
type MemCommandStore struct {
	mu    sync.Mutex
	clock clock.Clock
	cmds  map[string]*command.Command

	// Errs, when non-nil, is popped on every store call so tests can
	// inject transient failures.
	Errs []error
}

// NewMemCommandStore returns an empty store.
func NewMemCommandStore(clk clock.Clock) *MemCommandStore {
	return &MemCommandStore{
		clock: clk,
		cmds:  make(map[string]*command.Command),
	}
}

func (st *MemCommandStore) nextErr() error {
	if len(st.Errs) == 0 {
		return nil
	}
	err := st.Errs[0]
	st.Errs = st.Errs[1:]
	return err
}

// Seed inserts a record verbatim, bypassing validation.
func (st *MemCommandStore) Seed(cmd command.Command) {
	st.mu.Lock()
	defer st.mu.Unlock()
	c := cmd
	st.cmds[cmd.ID] = &c
}

// Snapshot returns a copy of the record for assertions.
func (st *MemCommandStore) Snapshot(id string) (command.Command, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cmd, ok := st.cmds[id]
	if !ok {
		return command.Command{}, false
	}
	return copyCommand(cmd), true
}

// SweepStaleLeases is part of the command.Store interface.
func (st *MemCommandStore) SweepStaleLeases(ctx context.Context, now time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return 0, err
	}
	released := 0
	for _, cmd := range st.cmds {
		if cmd.LeaseHolder == "" || cmd.LeaseUntil == nil || cmd.LeaseUntil.After(now) {
			continue
		}
		cmd.LeaseHolder = ""
		cmd.LeaseUntil = nil
		cmd.StaleLeaseCount++
		if cmd.Status == command.StatusRunning {
			cmd.Status = command.StatusPending
		}
		cmd.Logs = append(cmd.Logs, command.LogLine{At: now, Message: "stale lease auto-released"})
		released++
	}
	return released, nil
}

// ClaimOneDue is part of the command.Store interface.
func (st *MemCommandStore) ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*command.Command, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return nil, err
	}

	var due []*command.Command
	for _, cmd := range st.cmds {
		if cmd.Disabled || cmd.Status != command.StatusPending {
			continue
		}
		if cmd.NextRunAt == nil || cmd.NextRunAt.After(now) {
			continue
		}
		if cmd.LeaseHolder != "" && cmd.LeaseUntil != nil && cmd.LeaseUntil.After(now) {
			continue
		}
		if cmd.TerminateAfter != nil && !cmd.TerminateAfter.After(now) {
			continue
		}
		due = append(due, cmd)
	}
	if len(due) == 0 {
		return nil, errors.NotFoundf("claimable command")
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].NextRunAt.Before(*due[j].NextRunAt)
		}
		return due[i].ID < due[j].ID
	})

	cmd := due[0]
	if cmd.LeaseHolder != "" {
		cmd.StaleLeaseCount++
		cmd.Logs = append(cmd.Logs, command.LogLine{At: now, Message: "stale lease auto-released"})
	}
	until := now.Add(leaseTTL)
	cmd.Status = command.StatusRunning
	cmd.LeaseHolder = workerLabel
	cmd.LeaseUntil = &until
	cmd.Logs = append(cmd.Logs, command.LogLine{
		At:      now,
		Message: fmt.Sprintf("claimed by %s", workerLabel),
	})
	out := copyCommand(cmd)
	return &out, nil
}

// Finalize is part of the command.Store interface.
func (st *MemCommandStore) Finalize(ctx context.Context, id string, outcome command.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	cmd, ok := st.cmds[id]
	if !ok {
		return errors.NotFoundf("command %q", id)
	}
	if cmd.Status != command.StatusRunning || cmd.LeaseHolder != outcome.Worker {
		return command.ErrLeaseNotHeld
	}

	cmd.Status = outcome.Status
	if outcome.Disable {
		cmd.Disabled = true
	}
	if outcome.NextRunAt != nil {
		at := *outcome.NextRunAt
		cmd.NextRunAt = &at
	}
	cmd.LeaseHolder = ""
	cmd.LeaseUntil = nil
	cmd.RetryCount = outcome.RetryCount
	cmd.EntitiesTouched = outcome.EntitiesTouched
	cmd.LastDuration = outcome.Duration()
	ended := outcome.EndedAt
	cmd.LastExecutedAt = &ended
	cmd.RunCount++
	var line string
	if outcome.Success {
		cmd.SuccessCount++
		line = fmt.Sprintf("run succeeded in %v", outcome.Duration())
	} else {
		cmd.FailureCount++
		cmd.LastErrorCode = outcome.Error.Code
		line = fmt.Sprintf("run failed (%s): %s", outcome.Error.Code, outcome.Error.Message)
	}
	cmd.Logs = append(cmd.Logs, command.LogLine{At: ended, Message: line})
	cmd.RunLogs = append(cmd.RunLogs, command.RunLog{
		StartedAt:       outcome.StartedAt,
		EndedAt:         outcome.EndedAt,
		Duration:        outcome.Duration(),
		EntitiesTouched: outcome.EntitiesTouched,
		Summary:         outcome.Summary,
		Error:           outcome.Error,
	})
	return nil
}

// AppendLogs is part of the command.Store interface.
func (st *MemCommandStore) AppendLogs(ctx context.Context, id string, lines []string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	cmd, ok := st.cmds[id]
	if !ok {
		return errors.NotFoundf("command %q", id)
	}
	now := st.clock.Now()
	for _, line := range lines {
		cmd.Logs = append(cmd.Logs, command.LogLine{At: now, Message: line})
	}
	return nil
}

// SetSchedule is part of the command.Store interface.
func (st *MemCommandStore) SetSchedule(ctx context.Context, id string, at time.Time, reason string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	cmd, ok := st.cmds[id]
	if !ok {
		return errors.NotFoundf("command %q", id)
	}
	cmd.Status = command.StatusPending
	cmd.Disabled = false
	next := at
	cmd.NextRunAt = &next
	cmd.LeaseHolder = ""
	cmd.LeaseUntil = nil
	cmd.Logs = append(cmd.Logs, command.LogLine{
		At:      st.clock.Now(),
		Message: fmt.Sprintf("next run set to %s: %s", at.Format(time.RFC3339), reason),
	})
	return nil
}

// SetDisabled is part of the command.Store interface.
func (st *MemCommandStore) SetDisabled(ctx context.Context, id string, reason string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	cmd, ok := st.cmds[id]
	if !ok {
		return errors.NotFoundf("command %q", id)
	}
	cmd.Status = command.StatusDisabled
	cmd.Disabled = true
	cmd.LeaseHolder = ""
	cmd.LeaseUntil = nil
	cmd.Logs = append(cmd.Logs, command.LogLine{
		At:      st.clock.Now(),
		Message: fmt.Sprintf("disabled: %s", reason),
	})
	return nil
}

// Schedule is part of the command.Store interface.
func (st *MemCommandStore) Schedule(ctx context.Context, cmd command.Command) error {
	if err := cmd.Validate(); err != nil {
		return errors.Trace(err)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	if _, ok := st.cmds[cmd.ID]; ok {
		return errors.AlreadyExistsf("command %q", cmd.ID)
	}
	if cmd.Status == "" {
		cmd.Status = command.StatusPending
	}
	c := cmd
	st.cmds[cmd.ID] = &c
	return nil
}

// RunNow is part of the command.Store interface.
func (st *MemCommandStore) RunNow(ctx context.Context, id string, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.nextErr(); err != nil {
		return err
	}
	cmd, ok := st.cmds[id]
	if !ok {
		return errors.NotFoundf("command %q", id)
	}
	if cmd.LeaseHolder != "" && cmd.LeaseUntil != nil && cmd.LeaseUntil.After(now) {
		return command.ErrLeaseHeld
	}
	cmd.Status = command.StatusPending
	cmd.Disabled = false
	at := now
	cmd.NextRunAt = &at
	cmd.Logs = append(cmd.Logs, command.LogLine{At: now, Message: "immediate run requested"})
	return nil
}

// Get is part of the command.Store interface.
func (st *MemCommandStore) Get(ctx context.Context, id string) (*command.Command, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cmd, ok := st.cmds[id]
	if !ok {
		return nil, errors.NotFoundf("command %q", id)
	}
	out := copyCommand(cmd)
	return &out, nil
}

func copyCommand(cmd *command.Command) command.Command {
	out := *cmd
	out.Logs = append([]command.LogLine(nil), cmd.Logs...)
	out.RunLogs = append([]command.RunLog(nil), cmd.RunLogs...)
	return out
}

// MemEntityStore is an in-memory entity.Store.
type MemEntityStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	entities map[string]*entity.Entity
	order    []string
}

// NewMemEntityStore returns an empty store.
func NewMemEntityStore(clk clock.Clock) *MemEntityStore {
	return &MemEntityStore{
		clock:    clk,
		entities: make(map[string]*entity.Entity),
	}
}

// Seed inserts an entity verbatim.
func (st *MemEntityStore) Seed(e entity.Entity) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.entities[e.ID]; !ok {
		st.order = append(st.order, e.ID)
	}
	c := e
	st.entities[e.ID] = &c
}

// All returns every live entity in insertion order.
func (st *MemEntityStore) All() []entity.Entity {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []entity.Entity
	for _, id := range st.order {
		if e := st.entities[id]; e.DeletedAt == nil {
			out = append(out, *e)
		}
	}
	return out
}

// Find is part of the entity.Store interface.
func (st *MemEntityStore) Find(ctx context.Context, filter entity.Filter) ([]entity.Entity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make(map[string]bool, len(filter.IDs))
	for _, id := range filter.IDs {
		ids[id] = true
	}
	types := make(map[string]bool, len(filter.Types))
	for _, t := range filter.Types {
		types[t] = true
	}
	var out []entity.Entity
	for _, id := range st.order {
		e := st.entities[id]
		if e.DeletedAt != nil {
			continue
		}
		if len(ids) > 0 && !ids[e.ID] {
			continue
		}
		if len(types) > 0 && !types[e.Type] {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// Upsert is part of the entity.Store interface.
func (st *MemEntityStore) Upsert(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.ID == "" {
		return entity.Entity{}, errors.NotValidf("empty entity id")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.clock.Now()
	existing, ok := st.entities[e.ID]
	if ok {
		existing.Type = e.Type
		existing.Data = e.Data
		existing.Metadata = e.Metadata
		existing.UpdatedAt = now
		existing.DeletedAt = nil
		return *existing, nil
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	e.DeletedAt = nil
	st.order = append(st.order, e.ID)
	c := e
	st.entities[e.ID] = &c
	return e, nil
}

// Update is part of the entity.Store interface.
func (st *MemEntityStore) Update(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	existing, ok := st.entities[e.ID]
	if !ok || existing.DeletedAt != nil {
		return entity.Entity{}, errors.NotFoundf("entity %q", e.ID)
	}
	existing.Data = e.Data
	if e.Type != "" {
		existing.Type = e.Type
	}
	existing.UpdatedAt = st.clock.Now()
	return *existing, nil
}

// SoftDelete is part of the entity.Store interface.
func (st *MemEntityStore) SoftDelete(ctx context.Context, id string) (entity.Entity, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	existing, ok := st.entities[id]
	if !ok || existing.DeletedAt != nil {
		return entity.Entity{}, errors.NotFoundf("entity %q", id)
	}
	now := st.clock.Now()
	existing.DeletedAt = &now
	existing.UpdatedAt = now
	return *existing, nil
}

// Insert is part of the entity.Store interface.
func (st *MemEntityStore) Insert(ctx context.Context, entities []entity.Entity) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range entities {
		if e.ID == "" {
			return errors.NotValidf("empty entity id")
		}
		if _, ok := st.entities[e.ID]; ok {
			return errors.AlreadyExistsf("entity %q", e.ID)
		}
	}
	now := st.clock.Now()
	for _, e := range entities {
		e.CreatedAt = now
		e.UpdatedAt = now
		st.order = append(st.order, e.ID)
		c := e
		st.entities[e.ID] = &c
	}
	return nil
}

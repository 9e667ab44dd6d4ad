// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package commandrunner holds the polling worker that claims due
// commands across tenants and drives each one through decrypt,
// evaluation, and finalize. One runner processes one command at a
// time; any number of runners may poll the same stores, inside or
// across processes, because every claim and finalize is a conditional
// update.
package commandrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/telemetry"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/tenant"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/effects"
)

// Evaluator runs a decrypted program against an effect table under a
// wall-clock budget.
type Evaluator interface {
	Run(ctx context.Context, program string, table *effects.Table, budget time.Duration) (command.Result, error)
}

// EffectBuilder constructs the per-run effect table. Satisfied by
// *effects.Builder.
type EffectBuilder interface {
	Build(ctx context.Context, scope effects.Scope) (*effects.Table, error)
}

// Config holds a runner's dependencies and tuning.
type Config struct {
	// Label identifies this runner as a lease holder. Distinct per
	// runner across the whole fleet.
	Label string

	Registry  tenant.Registry
	Decryptor command.Decryptor
	Planner   command.CronPlanner
	Effects   EffectBuilder
	Evaluator Evaluator

	Clock    clock.Clock
	Logger   corelogger.Logger
	Recorder telemetry.Recorder
	Sink     telemetry.Sink

	// TickInterval paces the polling loop.
	TickInterval time.Duration

	// InterCommandDelay spaces consecutive claims within one tick so a
	// single runner cannot saturate a tenant's store. Zero disables
	// the pause.
	InterCommandDelay time.Duration

	// LeaseTTL bounds how long a claim excludes other runners. A
	// runner that disappears mid-run is presumed crashed once the TTL
	// lapses.
	LeaseTTL time.Duration

	// Budget bounds a single program evaluation. Must be below
	// LeaseTTL so every run finalizes under a live lease.
	Budget time.Duration
}

// Validate returns an error if the config cannot drive a runner.
func (config Config) Validate() error {
	if config.Label == "" {
		return errors.NotValidf("empty Label")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Decryptor == nil {
		return errors.NotValidf("nil Decryptor")
	}
	if config.Planner == nil {
		return errors.NotValidf("nil Planner")
	}
	if config.Effects == nil {
		return errors.NotValidf("nil Effects")
	}
	if config.Evaluator == nil {
		return errors.NotValidf("nil Evaluator")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Recorder == nil {
		return errors.NotValidf("nil Recorder")
	}
	if config.Sink == nil {
		return errors.NotValidf("nil Sink")
	}
	if config.TickInterval <= 0 {
		return errors.NotValidf("TickInterval %v", config.TickInterval)
	}
	if config.InterCommandDelay < 0 {
		return errors.NotValidf("InterCommandDelay %v", config.InterCommandDelay)
	}
	if config.LeaseTTL <= 0 {
		return errors.NotValidf("LeaseTTL %v", config.LeaseTTL)
	}
	if config.Budget <= 0 || config.Budget >= config.LeaseTTL {
		return errors.NotValidf("Budget %v with LeaseTTL %v", config.Budget, config.LeaseTTL)
	}
	return nil
}

// Worker is the polling runner.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
}

// New returns a started runner.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	return w, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	timer := w.config.Clock.NewTimer(w.config.TickInterval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			if err := w.tick(ctx); err != nil {
				return errors.Trace(err)
			}
			timer.Reset(w.config.TickInterval)
		}
	}
}

// tick sweeps every tenant's stale leases, then claims and executes
// due commands until none remain. Store errors are transient: logged,
// the record untouched, the tick moves on.
func (w *Worker) tick(ctx context.Context) error {
	tenants, err := w.config.Registry.List(ctx)
	if err != nil {
		w.config.Logger.Errorf(ctx, "listing tenants: %v", err)
		return nil
	}
	w.sweep(ctx, tenants)

	for {
		tenantID, store, cmd := w.claimOne(ctx, tenants)
		if cmd == nil {
			return nil
		}
		w.config.Recorder.IncClaims()
		w.config.Sink.Publish(telemetry.Event{
			Kind:      telemetry.KindClaim,
			Tenant:    tenantID,
			CommandID: cmd.ID,
			Worker:    w.config.Label,
			At:        w.config.Clock.Now(),
		})
		w.execute(ctx, tenantID, store, cmd)

		if w.config.InterCommandDelay > 0 {
			select {
			case <-w.catacomb.Dying():
				return w.catacomb.ErrDying()
			case <-w.config.Clock.After(w.config.InterCommandDelay):
			}
		}
	}
}

func (w *Worker) sweep(ctx context.Context, tenants []string) {
	for _, tenantID := range tenants {
		store, err := w.config.Registry.CommandStore(ctx, tenantID)
		if err != nil {
			w.config.Logger.Warningf(ctx, "resolving store for tenant %q: %v", tenantID, err)
			continue
		}
		now := w.config.Clock.Now()
		released, err := store.SweepStaleLeases(ctx, now)
		if err != nil {
			w.config.Logger.Errorf(ctx, "sweeping stale leases for tenant %q: %v", tenantID, err)
			continue
		}
		if released > 0 {
			w.config.Logger.Infof(ctx, "released %d stale lease(s) for tenant %q", released, tenantID)
			w.config.Recorder.AddStaleLeases(released)
			w.config.Sink.Publish(telemetry.Event{
				Kind:   telemetry.KindSweep,
				Tenant: tenantID,
				Worker: w.config.Label,
				Count:  released,
				At:     now,
			})
		}
	}
}

// claimOne visits tenants in registry order and returns the first
// claimable command, keeping tenants from starving each other within
// a tick.
func (w *Worker) claimOne(ctx context.Context, tenants []string) (string, command.Store, *command.Command) {
	for _, tenantID := range tenants {
		store, err := w.config.Registry.CommandStore(ctx, tenantID)
		if err != nil {
			w.config.Logger.Warningf(ctx, "resolving store for tenant %q: %v", tenantID, err)
			continue
		}
		cmd, err := store.ClaimOneDue(ctx, w.config.Label, w.config.LeaseTTL, w.config.Clock.Now())
		if errors.Is(err, errors.NotFound) {
			continue
		} else if err != nil {
			w.config.Logger.Errorf(ctx, "claiming for tenant %q: %v", tenantID, err)
			continue
		}
		w.config.Logger.Debugf(ctx, "claimed command %q for tenant %q", cmd.ID, tenantID)
		return tenantID, store, cmd
	}
	return "", nil, nil
}

func (w *Worker) execute(ctx context.Context, tenantID string, store command.Store, cmd *command.Command) {
	started := w.config.Clock.Now()

	program, err := w.config.Decryptor.Decrypt(cmd.Payload)
	if err != nil {
		w.config.Logger.Errorf(ctx, "decrypting command %q: %v", cmd.ID, err)
		w.fail(ctx, tenantID, store, cmd, started, w.config.Clock.Now(), 0, command.RunError{
			Code:    command.CodeDecryptFailed,
			Message: err.Error(),
		})
		return
	}

	table, err := w.config.Effects.Build(ctx, effects.Scope{
		TenantID:  tenantID,
		UserID:    cmd.UserID,
		Source:    cmd.Source,
		CommandID: cmd.ID,
	})
	if err != nil {
		w.config.Logger.Errorf(ctx, "building effects for command %q: %v", cmd.ID, err)
		w.fail(ctx, tenantID, store, cmd, started, w.config.Clock.Now(), 0, command.RunError{
			Code:    command.CodeUnexpected,
			Message: err.Error(),
		})
		return
	}

	result, runErr := w.config.Evaluator.Run(ctx, program, table, w.config.Budget)
	ended := w.config.Clock.Now()
	touched := table.EntitiesTouched()

	if runErr != nil {
		w.fail(ctx, tenantID, store, cmd, started, ended, touched, runError(runErr))
		return
	}

	outcome, err := command.SuccessOutcome(*cmd, w.config.Planner, w.config.Label, started, ended, touched, summaryFor(result))
	if err != nil {
		// The run itself succeeded but its schedule cannot be
		// computed; record a failed run so the retry policy owns it.
		w.config.Logger.Errorf(ctx, "planning next run of %q: %v", cmd.ID, err)
		w.fail(ctx, tenantID, store, cmd, started, ended, touched, command.RunError{
			Code:    command.CodeUnexpected,
			Message: err.Error(),
		})
		return
	}
	if err := store.Finalize(ctx, cmd.ID, outcome); err != nil {
		w.finalizeError(ctx, cmd, err)
		return
	}
	w.config.Recorder.ObserveRun("success", outcome.Duration(), touched)
	w.config.Sink.Publish(telemetry.Event{
		Kind:      telemetry.KindSuccess,
		Tenant:    tenantID,
		CommandID: cmd.ID,
		Worker:    w.config.Label,
		Duration:  outcome.Duration(),
		At:        ended,
	})

	// The program's control signal lands after the bookkeeping so a
	// crash in between leaves a finalized record, not a lost run.
	switch result.Kind {
	case command.ResultDisabled:
		if err := store.SetDisabled(ctx, cmd.ID, result.Reason); err != nil {
			w.config.Logger.Errorf(ctx, "disabling command %q: %v", cmd.ID, err)
		}
	case command.ResultRescheduled:
		if err := store.SetSchedule(ctx, cmd.ID, result.NextRunAt, result.Reason); err != nil {
			w.config.Logger.Errorf(ctx, "rescheduling command %q: %v", cmd.ID, err)
		}
	}
}

func (w *Worker) fail(
	ctx context.Context, tenantID string, store command.Store, cmd *command.Command,
	started, ended time.Time, touched int, runErr command.RunError,
) {
	outcome := command.FailureOutcome(*cmd, w.config.Label, started, ended, touched, runErr)
	if err := store.Finalize(ctx, cmd.ID, outcome); err != nil {
		w.finalizeError(ctx, cmd, err)
		return
	}
	w.config.Recorder.ObserveRun("failure", outcome.Duration(), touched)
	w.config.Recorder.IncFailure(outcome.Error.Code)
	kind := telemetry.KindFailure
	if outcome.Status == command.StatusPending {
		kind = telemetry.KindRetry
	}
	w.config.Sink.Publish(telemetry.Event{
		Kind:      kind,
		Tenant:    tenantID,
		CommandID: cmd.ID,
		Worker:    w.config.Label,
		Code:      outcome.Error.Code,
		Duration:  outcome.Duration(),
		At:        ended,
	})
}

// finalizeError distinguishes a lost lease, which is an invariant
// breach this runner must back away from, from a transient store
// error. Either way the record is left for a later sweep.
func (w *Worker) finalizeError(ctx context.Context, cmd *command.Command, err error) {
	if errors.Is(err, command.ErrLeaseNotHeld) {
		w.config.Logger.Errorf(ctx, "abandoning finalize of command %q: lease no longer held", cmd.ID)
		return
	}
	w.config.Logger.Errorf(ctx, "finalizing command %q: %v", cmd.ID, err)
}

func runError(err error) command.RunError {
	if cerr, ok := err.(*command.Error); ok {
		return command.RunError{
			Message: cerr.Message,
			Code:    cerr.Code,
			Stack:   cerr.Stack,
		}
	}
	return command.RunError{
		Message: err.Error(),
		Code:    command.CodeUnexpected,
	}
}

func summaryFor(result command.Result) string {
	switch result.Kind {
	case command.ResultDisabled:
		return fmt.Sprintf("disabled by program: %s", result.Reason)
	case command.ResultRescheduled:
		return fmt.Sprintf("rescheduled by program to %s: %s",
			result.NextRunAt.Format(time.RFC3339), result.Reason)
	}
	return "completed"
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package command

import (
	"time"

	"github.com/juju/errors"
)

// Outcome carries everything a finalize writes back to the record in
// one conditional update. Workers build outcomes with SuccessOutcome
// and FailureOutcome; the store only persists them.
type Outcome struct {
	// Worker is the lease holder performing the finalize. The store
	// asserts it still holds the lease.
	Worker string

	StartedAt       time.Time
	EndedAt         time.Time
	EntitiesTouched int
	Summary         string

	// Success selects which of successCount/failureCount is bumped.
	Success bool

	// Status, Disable, NextRunAt and RetryCount are the post-finalize
	// schedule. A nil NextRunAt leaves the stored instant untouched.
	Status     Status
	Disable    bool
	NextRunAt  *time.Time
	RetryCount int

	// Error is recorded in the run log on failures.
	Error *RunError
}

// Duration is the wall-clock length of the run.
func (o Outcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Validate returns an error if the outcome is not internally
// consistent.
func (o Outcome) Validate() error {
	if o.Worker == "" {
		return errors.NotValidf("empty worker label")
	}
	if o.EndedAt.Before(o.StartedAt) {
		return errors.NotValidf("run ended before it started")
	}
	if o.Success && o.Error != nil {
		return errors.NotValidf("successful outcome carrying an error")
	}
	if !o.Success && o.Error == nil {
		return errors.NotValidf("failed outcome without an error")
	}
	return nil
}

// SuccessOutcome builds the finalize bookkeeping for a run that
// completed (or raised a control signal). Recurring commands go back
// to PENDING at the planner's next instant after the finish time;
// one-shots become SUCCEEDED_ONCE and disabled.
func SuccessOutcome(cmd Command, planner CronPlanner, worker string, startedAt, endedAt time.Time, touched int, summary string) (Outcome, error) {
	out := Outcome{
		Worker:          worker,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		EntitiesTouched: touched,
		Summary:         summary,
		Success:         true,
		RetryCount:      0,
	}
	if cmd.Recurring() {
		next, err := planner.Next(cmd.CronExpr, endedAt)
		if err != nil {
			return Outcome{}, errors.Annotatef(err, "planning next run of %q", cmd.ID)
		}
		out.Status = StatusPending
		out.NextRunAt = &next
	} else {
		out.Status = StatusSucceededOnce
		out.Disable = true
	}
	return out, nil
}

// FailureOutcome builds the finalize bookkeeping for a failed run.
// While retries remain the command returns to PENDING after the
// backoff; once exhausted it is FAILED and next-run-at is left alone.
func FailureOutcome(cmd Command, worker string, startedAt, endedAt time.Time, touched int, runErr RunError) Outcome {
	if runErr.Code == "" {
		runErr.Code = CodeUnexpected
	}
	out := Outcome{
		Worker:          worker,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		EntitiesTouched: touched,
		Success:         false,
		RetryCount:      cmd.RetryCount + 1,
		Error:           &runErr,
	}
	if out.RetryCount <= cmd.MaxRetries {
		next := endedAt.Add(cmd.RetryBackoff)
		out.Status = StatusPending
		out.NextRunAt = &next
	} else {
		out.Status = StatusFailed
	}
	return out
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package command

import (
	"context"
	"time"

	"github.com/juju/errors"
)

const (
	// ErrLeaseNotHeld is returned by Finalize when the caller no
	// longer holds the record's lease. The finalize must be abandoned;
	// a later sweep recovers the record.
	ErrLeaseNotHeld = errors.ConstError("lease not held")

	// ErrLeaseHeld is returned by RunNow when the record is currently
	// leased to a worker.
	ErrLeaseHeld = errors.ConstError("lease held")
)

// Store persists the command records of a single tenant. All mutations
// are conditional updates asserting the expected prior state; that is
// the only mutual exclusion between workers.
type Store interface {
	// SweepStaleLeases releases every lease that expired at or before
	// now, counting each release on its record. RUNNING records whose
	// lease lapsed return to PENDING so they can be claimed again.
	// Idempotent and safe under concurrent sweepers. Returns the
	// number of leases released.
	SweepStaleLeases(ctx context.Context, now time.Time) (int, error)

	// ClaimOneDue atomically claims the due PENDING record with the
	// smallest (nextRunAt, id), moving it to RUNNING under a lease of
	// the given TTL. An expired lease found on the winning record is
	// released (and counted) in the same step. Returns
	// errors.NotFound when nothing is claimable.
	ClaimOneDue(ctx context.Context, workerLabel string, leaseTTL time.Duration, now time.Time) (*Command, error)

	// Finalize writes the outcome bookkeeping and releases the lease,
	// asserting outcome.Worker still holds it. Returns ErrLeaseNotHeld
	// when the assertion fails.
	Finalize(ctx context.Context, id string, outcome Outcome) error

	// AppendLogs appends timestamped lines to the record's log.
	// Append-only; never truncates.
	AppendLogs(ctx context.Context, id string, lines []string) error

	// SetSchedule points the record at a caller-chosen next run:
	// PENDING, not disabled, lease cleared, reason logged.
	SetSchedule(ctx context.Context, id string, at time.Time, reason string) error

	// SetDisabled switches the record off: DISABLED, disabled, lease
	// cleared, reason logged.
	SetDisabled(ctx context.Context, id string, reason string) error

	// Schedule inserts a new record. The caller is expected to have
	// run NormalizeInitialAction on it first.
	Schedule(ctx context.Context, cmd Command) error

	// RunNow makes the record due immediately and claimable:
	// nextRunAt = now, disabled = false, PENDING. Returns ErrLeaseHeld
	// if a worker currently holds the lease.
	RunNow(ctx context.Context, id string, now time.Time) error

	// Get fetches a record by id, or errors.NotFound.
	Get(ctx context.Context, id string) (*Command, error)
}

// CronPlanner yields the next fire instant of a 5-field cron
// expression, interpreted in UTC at minute granularity.
type CronPlanner interface {
	// Next returns the smallest instant after from satisfying expr.
	// Invalid expressions surface a domain error.
	Next(expr string, from time.Time) (time.Time, error)
}

// Decryptor recovers program text from a command payload. Any parse or
// authentication failure is a decryption failure; callers map it to
// CodeDecryptFailed.
type Decryptor interface {
	Decrypt(payload string) (string, error)
}

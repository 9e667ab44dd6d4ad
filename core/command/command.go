// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package command holds the scheduled command record, its lifecycle
// vocabulary, and the ports the scheduler core consumes to claim, run,
// and finalize commands.
package command

import (
	"time"

	"github.com/juju/errors"
)

// Status describes where a command sits in its lifecycle.
type Status string

const (
	// StatusPending means the command is waiting for its next-run
	// instant and may be claimed.
	StatusPending Status = "PENDING"

	// StatusRunning means a worker holds the lease and is executing
	// the command's program.
	StatusRunning Status = "RUNNING"

	// StatusSucceededOnce is the terminal state of a one-shot command
	// whose run succeeded.
	StatusSucceededOnce Status = "SUCCEEDED_ONCE"

	// StatusFailed is the terminal state after retries are exhausted.
	StatusFailed Status = "FAILED"

	// StatusDisabled means the command was switched off, either by its
	// own program or by an administrator.
	StatusDisabled Status = "DISABLED"
)

// Terminal reports whether no further claims can move the command
// along without administrative intervention.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceededOnce, StatusFailed, StatusDisabled:
		return true
	}
	return false
}

// Action is the write-once registration intent of a command record.
type Action string

const (
	ActionRegisterRecurring Action = "REGISTER_RECURRING"
	ActionRunNowThenRecur   Action = "RUN_NOW_THEN_RECUR"
	ActionRunOnce           Action = "RUN_ONCE"
	ActionRegisterDisabled  Action = "REGISTER_DISABLED"
	ActionRegisterActive    Action = "REGISTER_ACTIVE"
)

// KnownAction reports whether a is one of the registration actions the
// normalizer understands.
func KnownAction(a Action) bool {
	switch a {
	case ActionRegisterRecurring, ActionRunNowThenRecur, ActionRunOnce,
		ActionRegisterDisabled, ActionRegisterActive:
		return true
	}
	return false
}

// LogLine is one timestamped entry in a command's append-only log.
type LogLine struct {
	At      time.Time
	Message string
}

// RunError is the failure detail recorded with a run log entry.
type RunError struct {
	Message string
	Code    string
	Stack   string
}

// RunLog is the structured record of one execution attempt.
type RunLog struct {
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	EntitiesTouched int
	Summary         string
	Error           *RunError
}

// Command is a durable record pairing an encrypted program with a
// schedule and its execution bookkeeping. The zero value is not valid;
// records are built by creators and passed through
// NormalizeInitialAction before they are stored.
type Command struct {
	ID       string
	TenantID string
	UserID   string
	Source   string

	// Payload is the cipher envelope holding the encrypted program
	// text. The core never interprets it beyond handing it to the
	// decryptor.
	Payload string

	Action         Action
	CronExpr       string
	NextRunAt      *time.Time
	TerminateAfter *time.Time
	Disabled       bool
	Status         Status

	LeaseHolder string
	LeaseUntil  *time.Time

	RetryCount   int
	MaxRetries   int
	RetryBackoff time.Duration

	RunCount        int
	SuccessCount    int
	FailureCount    int
	EntitiesTouched int
	LastDuration    time.Duration
	LastExecutedAt  *time.Time
	LastErrorCode   string
	StaleLeaseCount int

	Logs    []LogLine
	RunLogs []RunLog

	ActionAppliedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recurring reports whether the command reschedules itself after a
// successful run. Only one-shot commands do not.
func (c Command) Recurring() bool {
	return c.Action != ActionRunOnce
}

// Leased reports whether the lease is held and not yet expired at now.
func (c Command) Leased(now time.Time) bool {
	return c.LeaseHolder != "" && c.LeaseUntil != nil && c.LeaseUntil.After(now)
}

// Validate returns an error if the record cannot be scheduled.
func (c Command) Validate() error {
	if c.ID == "" {
		return errors.NotValidf("empty command id")
	}
	if c.TenantID == "" {
		return errors.NotValidf("empty tenant id")
	}
	if c.UserID == "" {
		return errors.NotValidf("empty user id")
	}
	if c.Payload == "" {
		return errors.NotValidf("empty payload")
	}
	if !KnownAction(c.Action) {
		return errors.NotValidf("action %q", c.Action)
	}
	if c.CronExpr == "" && c.Action != ActionRunOnce {
		return errors.NotValidf("missing cron expression for action %q", c.Action)
	}
	if c.MaxRetries < 0 {
		return errors.NotValidf("negative max retries")
	}
	if c.RetryBackoff < 0 {
		return errors.NotValidf("negative retry backoff")
	}
	return nil
}

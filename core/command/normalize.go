// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package command

import (
	"time"

	"github.com/juju/errors"
)

// NormalizeInitialAction applies the record's registration action,
// returning the record with disabled and next-run-at settled. It is
// applied exactly once, by whoever introduces the record to a store.
//
// Unknown actions leave the record untouched; validating the action is
// the creator's responsibility.
func NormalizeInitialAction(cmd Command, planner CronPlanner, now time.Time) (Command, error) {
	switch cmd.Action {
	case ActionRegisterRecurring, ActionRegisterActive:
		cmd.Disabled = false
		if cmd.NextRunAt == nil {
			next, err := planner.Next(cmd.CronExpr, now)
			if err != nil {
				return Command{}, errors.Annotatef(err, "planning first run of %q", cmd.ID)
			}
			cmd.NextRunAt = &next
		}
	case ActionRunNowThenRecur:
		cmd.Disabled = false
		if cmd.NextRunAt == nil {
			at := now
			cmd.NextRunAt = &at
		}
	case ActionRunOnce:
		// A one-shot ignores any cron expression it was created with.
		cmd.Disabled = false
		if cmd.NextRunAt == nil {
			at := now
			cmd.NextRunAt = &at
		}
	case ActionRegisterDisabled:
		cmd.Disabled = true
	default:
		return cmd, nil
	}
	applied := now
	cmd.ActionAppliedAt = &applied
	return cmd, nil
}

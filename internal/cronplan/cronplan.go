// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cronplan computes the next fire instant of a standard
// 5-field cron expression, always interpreted in UTC at minute
// granularity.
package cronplan

import (
	"time"

	"github.com/juju/errors"
	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression is returned for expressions that do not parse
// as standard 5-field cron.
const ErrInvalidExpression = errors.ConstError("invalid cron expression")

// Planner implements command.CronPlanner. The zero value is ready to
// use.
type Planner struct{}

// New returns a Planner.
func New() Planner {
	return Planner{}
}

// Next returns the smallest instant strictly after from that satisfies
// expr. The result is in UTC regardless of from's location.
func (Planner) Next(expr string, from time.Time) (time.Time, error) {
	// Prefixing the timezone pins evaluation to UTC even when the
	// host runs in another zone.
	schedule, err := cron.ParseStandard("TZ=UTC " + expr)
	if err != nil {
		return time.Time{}, errors.WithType(
			errors.Annotatef(err, "parsing %q", expr), ErrInvalidExpression)
	}
	next := schedule.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, errors.WithType(
			errors.Errorf("no instant after %v satisfies %q", from, expr), ErrInvalidExpression)
	}
	return next.UTC(), nil
}

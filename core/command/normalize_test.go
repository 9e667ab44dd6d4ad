// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package command_test

import (
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
)

type NormalizeSuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&NormalizeSuite{})

type stubPlanner struct {
	next    time.Time
	err     error
	gotExpr string
	gotFrom time.Time
}

func (p *stubPlanner) Next(expr string, from time.Time) (time.Time, error) {
	p.gotExpr = expr
	p.gotFrom = from
	return p.next, p.err
}

var normalizeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *NormalizeSuite) TestRegisterRecurringPlansFirstRun(c *gc.C) {
	planner := &stubPlanner{next: normalizeNow.Add(5 * time.Minute)}
	cmd := validCommand()
	cmd.Disabled = true

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Disabled, jc.IsFalse)
	c.Check(*got.NextRunAt, gc.Equals, normalizeNow.Add(5*time.Minute))
	c.Check(*got.ActionAppliedAt, gc.Equals, normalizeNow)
	c.Check(planner.gotExpr, gc.Equals, "*/5 * * * *")
	c.Check(planner.gotFrom, gc.Equals, normalizeNow)
}

func (s *NormalizeSuite) TestRegisterRecurringKeepsCallerInstant(c *gc.C) {
	planner := &stubPlanner{err: errors.New("should not be called")}
	at := normalizeNow.Add(time.Hour)
	cmd := validCommand()
	cmd.NextRunAt = &at

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got.NextRunAt, gc.Equals, at)
	c.Check(planner.gotExpr, gc.Equals, "")
}

func (s *NormalizeSuite) TestRegisterActive(c *gc.C) {
	planner := &stubPlanner{next: normalizeNow.Add(time.Minute)}
	cmd := validCommand()
	cmd.Action = command.ActionRegisterActive

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Disabled, jc.IsFalse)
	c.Check(*got.NextRunAt, gc.Equals, normalizeNow.Add(time.Minute))
}

func (s *NormalizeSuite) TestRunNowThenRecur(c *gc.C) {
	planner := &stubPlanner{err: errors.New("should not be called")}
	cmd := validCommand()
	cmd.Action = command.ActionRunNowThenRecur

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Disabled, jc.IsFalse)
	c.Check(*got.NextRunAt, gc.Equals, normalizeNow)
}

func (s *NormalizeSuite) TestRunOnceIgnoresCron(c *gc.C) {
	planner := &stubPlanner{err: errors.New("should not be called")}
	cmd := validCommand()
	cmd.Action = command.ActionRunOnce
	cmd.CronExpr = "*/5 * * * *"

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(*got.NextRunAt, gc.Equals, normalizeNow)
	c.Check(planner.gotExpr, gc.Equals, "")
}

func (s *NormalizeSuite) TestRegisterDisabledLeavesSchedule(c *gc.C) {
	planner := &stubPlanner{err: errors.New("should not be called")}
	at := normalizeNow.Add(time.Hour)
	cmd := validCommand()
	cmd.Action = command.ActionRegisterDisabled
	cmd.NextRunAt = &at

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got.Disabled, jc.IsTrue)
	c.Check(*got.NextRunAt, gc.Equals, at)
	c.Check(*got.ActionAppliedAt, gc.Equals, normalizeNow)
}

func (s *NormalizeSuite) TestUnknownActionIsNoOp(c *gc.C) {
	planner := &stubPlanner{err: errors.New("should not be called")}
	cmd := validCommand()
	cmd.Action = "REGISTER_SIDEWAYS"

	got, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, cmd)
	c.Check(got.ActionAppliedAt, gc.IsNil)
}

func (s *NormalizeSuite) TestPlannerErrorSurfaces(c *gc.C) {
	planner := &stubPlanner{err: errors.New("bad expression")}
	cmd := validCommand()

	_, err := command.NormalizeInitialAction(cmd, planner, normalizeNow)
	c.Assert(err, gc.ErrorMatches, `planning first run of "cmd-1": bad expression`)
}

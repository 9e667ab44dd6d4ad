// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package evaluator_test

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/effects"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/evaluator"
	loggertesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/logger/testing"
	statetesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/state/testing"
	coretesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
)

type evaluatorSuite struct {
	coretesting.BaseSuite

	clock    *testclock.Clock
	registry *statetesting.MemRegistry
	engine   *evaluator.Engine
}

var _ = gc.Suite(&evaluatorSuite{})

const budget = 10 * time.Second

func (s *evaluatorSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.registry = statetesting.NewMemRegistry(s.clock, "alpha")

	commands, err := s.registry.Commands("alpha")
	c.Assert(err, jc.ErrorIsNil)
	next := s.clock.Now()
	commands.Seed(command.Command{
		ID:        "cmd-1",
		TenantID:  "alpha",
		UserID:    "user-1",
		Action:    command.ActionRunOnce,
		Status:    command.StatusRunning,
		NextRunAt: &next,
	})

	s.engine, err = evaluator.New(evaluator.Config{
		Clock:  s.clock,
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *evaluatorSuite) table(c *gc.C) *effects.Table {
	builder, err := effects.NewBuilder(s.registry, s.clock, nil)
	c.Assert(err, jc.ErrorIsNil)
	table, err := builder.Build(context.Background(), effects.Scope{
		TenantID:  "alpha",
		UserID:    "user-1",
		Source:    "api",
		CommandID: "cmd-1",
	})
	c.Assert(err, jc.ErrorIsNil)
	return table
}

func (s *evaluatorSuite) TestCleanCompletion(c *gc.C) {
	table := s.table(c)
	result, err := s.engine.Run(context.Background(), `
		dao["/add-object"]({type: "X", data: {n: 1}});
	`, table, budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultCompleted)
	c.Check(table.EntitiesTouched(), gc.Equals, 1)

	entities, err := s.registry.Entities("alpha")
	c.Assert(err, jc.ErrorIsNil)
	all := entities.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Type, gc.Equals, "X")
	c.Check(all[0].Data, gc.Equals, `{"n":1}`)
}

func (s *evaluatorSuite) TestReadBackThroughEffects(c *gc.C) {
	table := s.table(c)
	result, err := s.engine.Run(context.Background(), `
		dao["/add-object"]({id: "e-1", type: "T", data: {k: 1}});
		dao["/add-object"]({id: "e-2", type: "T", data: {k: 2}});
		var got = dao["/get-objects-parsed"]({dataFilter: {k: 2}});
		if (got.length !== 1 || got[0].id !== "e-2") {
			throw new Error("unexpected query result");
		}
	`, table, budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultCompleted)
}

func (s *evaluatorSuite) TestThrownObjectPreservesCode(c *gc.C) {
	_, err := s.engine.Run(context.Background(), `
		throw {code: "QUOTA_EXCEEDED", message: "too many widgets"};
	`, s.table(c), budget)
	c.Assert(err, gc.NotNil)
	cerr, ok := err.(*command.Error)
	c.Assert(ok, jc.IsTrue)
	c.Check(cerr.Code, gc.Equals, "QUOTA_EXCEEDED")
	c.Check(cerr.Message, gc.Equals, "too many widgets")
}

func (s *evaluatorSuite) TestThrownErrorIsUnexpected(c *gc.C) {
	_, err := s.engine.Run(context.Background(), `
		throw new Error("boom");
	`, s.table(c), budget)
	c.Assert(err, gc.NotNil)
	cerr, ok := err.(*command.Error)
	c.Assert(ok, jc.IsTrue)
	c.Check(cerr.Code, gc.Equals, command.CodeUnexpected)
	c.Check(cerr.Message, gc.Equals, "boom")
	c.Check(cerr.Stack, gc.Not(gc.Equals), "")
}

func (s *evaluatorSuite) TestBudgetExceeded(c *gc.C) {
	table := s.table(c)
	done := make(chan error, 1)
	go func() {
		_, err := s.engine.Run(context.Background(), `for (;;) {}`, table, budget)
		done <- err
	}()

	err := s.clock.WaitAdvance(budget, coretesting.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case err := <-done:
		c.Assert(err, gc.NotNil)
		c.Check(command.ErrorCode(err), gc.Equals, command.CodeTimeout)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("program not interrupted at budget")
	}
}

func (s *evaluatorSuite) TestDisableSignalHaltsProgram(c *gc.C) {
	table := s.table(c)
	result, err := s.engine.Run(context.Background(), `
		dao["/disable"]("done");
		dao["/log"]("never reached");
	`, table, budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultDisabled)
	c.Check(result.Reason, gc.Equals, "done")

	commands, err := s.registry.Commands("alpha")
	c.Assert(err, jc.ErrorIsNil)
	cmd, ok := commands.Snapshot("cmd-1")
	c.Assert(ok, jc.IsTrue)
	for _, line := range cmd.Logs {
		c.Check(line.Message, gc.Not(gc.Equals), "never reached")
	}
}

func (s *evaluatorSuite) TestSignalUncatchable(c *gc.C) {
	result, err := s.engine.Run(context.Background(), `
		try {
			dao["/disable"]("done");
		} catch (e) {}
		dao["/log"]("never reached");
	`, s.table(c), budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultDisabled)
}

func (s *evaluatorSuite) TestSetNextRunAtSignal(c *gc.C) {
	result, err := s.engine.Run(context.Background(), `
		dao["/set-next-run-at"]("2025-02-01T09:30:00Z", "waiting for data");
	`, s.table(c), budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultRescheduled)
	c.Check(result.Reason, gc.Equals, "waiting for data")
	c.Check(result.NextRunAt, gc.Equals, time.Date(2025, 2, 1, 9, 30, 0, 0, time.UTC))
}

func (s *evaluatorSuite) TestHandlerErrorsAreCatchable(c *gc.C) {
	result, err := s.engine.Run(context.Background(), `
		var caught = false;
		try {
			dao["/update-object"]({id: "missing", data: {}});
		} catch (e) {
			caught = true;
		}
		if (!caught) {
			throw new Error("expected update to throw");
		}
	`, s.table(c), budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultCompleted)
}

func (s *evaluatorSuite) TestUncaughtHandlerError(c *gc.C) {
	_, err := s.engine.Run(context.Background(), `
		dao["/update-object"]({id: "missing", data: {}});
	`, s.table(c), budget)
	c.Assert(err, gc.NotNil)
	c.Check(command.ErrorCode(err), gc.Equals, command.CodeUnexpected)
}

func (s *evaluatorSuite) TestNoAmbientClock(c *gc.C) {
	result, err := s.engine.Run(context.Background(), `
		if (typeof Date !== "undefined") {
			throw new Error("Date leaked into the sandbox");
		}
	`, s.table(c), budget)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.Kind, gc.Equals, command.ResultCompleted)
}

// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commandrunner_test

import (
	"bytes"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/atrofymovych/jaktoswim-backend-sub000/core/command"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/entity"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/telemetry"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/cronplan"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/crypt"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/effects"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/evaluator"
	loggertesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/logger/testing"
	statetesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/state/testing"
	coretesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/worker/commandrunner"
)

const (
	tickInterval = time.Second
	leaseTTL     = 10 * time.Minute
	budget       = 10 * time.Second
)

var startTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type runnerSuite struct {
	coretesting.BaseSuite

	clock    *testclock.Clock
	registry *statetesting.MemRegistry
	key      []byte
	recorder *recorderStub
	events   *sinkStub
}

var _ = gc.Suite(&runnerSuite{})

func (s *runnerSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(startTime)
	s.registry = statetesting.NewMemRegistry(s.clock, "alpha", "beta")
	s.key = bytes.Repeat([]byte{0x5a}, crypt.KeySize)
	s.recorder = &recorderStub{}
	s.events = &sinkStub{}
}

func (s *runnerSuite) newWorker(c *gc.C) *commandrunner.Worker {
	decryptor, err := crypt.NewDecryptor(s.key)
	c.Assert(err, jc.ErrorIsNil)
	builder, err := effects.NewBuilder(s.registry, s.clock, nil)
	c.Assert(err, jc.ErrorIsNil)
	engine, err := evaluator.New(evaluator.Config{
		Clock:  s.clock,
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)

	w, err := commandrunner.New(commandrunner.Config{
		Label:             "worker-0",
		Registry:          s.registry,
		Decryptor:         decryptor,
		Planner:           cronplan.New(),
		Effects:           builder,
		Evaluator:         engine,
		Clock:             s.clock,
		Logger:            loggertesting.WrapCheckLog(c),
		Recorder:          s.recorder,
		Sink:              s.events,
		TickInterval:      tickInterval,
		InterCommandDelay: 0,
		LeaseTTL:          leaseTTL,
		Budget:            budget,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	return w
}

func (s *runnerSuite) seal(c *gc.C, program string) string {
	payload, err := crypt.Seal(program, s.key)
	c.Assert(err, jc.ErrorIsNil)
	return payload
}

func (s *runnerSuite) seed(c *gc.C, tenantID string, cmd command.Command) *statetesting.MemCommandStore {
	store, err := s.registry.Commands(tenantID)
	c.Assert(err, jc.ErrorIsNil)
	store.Seed(cmd)
	return store
}

// advance fires exactly one tick of the polling loop.
func (s *runnerSuite) advance(c *gc.C, d time.Duration) {
	c.Assert(s.clock.WaitAdvance(d, coretesting.LongWait, 1), jc.ErrorIsNil)
}

func (s *runnerSuite) waitFor(c *gc.C, store *statetesting.MemCommandStore, id string, check func(command.Command) bool) command.Command {
	timeout := time.After(coretesting.LongWait)
	for {
		if cmd, ok := store.Snapshot(id); ok && check(cmd) {
			return cmd
		}
		select {
		case <-timeout:
			cmd, _ := store.Snapshot(id)
			c.Fatalf("timed out waiting for command state; last seen: %+v", cmd)
			return command.Command{}
		case <-time.After(coretesting.ShortWait):
		}
	}
}

func (s *runnerSuite) TestRecurringHappyPath(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:        "cmd-1",
		TenantID:  "alpha",
		UserID:    "user-1",
		Source:    "api",
		Payload:   s.seal(c, `dao["/add-object"]({type: "X", data: {n: 1}});`),
		Action:    command.ActionRegisterRecurring,
		CronExpr:  "*/5 * * * *",
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.SuccessCount == 1
	})

	c.Check(cmd.Status, gc.Equals, command.StatusPending)
	c.Check(cmd.RunCount, gc.Equals, 1)
	c.Check(cmd.EntitiesTouched, gc.Equals, 1)
	c.Check(cmd.RetryCount, gc.Equals, 0)
	c.Check(cmd.LeaseHolder, gc.Equals, "")
	c.Check(cmd.LeaseUntil, gc.IsNil)
	c.Assert(cmd.NextRunAt, gc.NotNil)
	c.Check(*cmd.NextRunAt, gc.Equals, time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC))
	c.Assert(cmd.RunLogs, gc.HasLen, 1)
	c.Check(cmd.RunLogs[0].EntitiesTouched, gc.Equals, 1)
	c.Check(cmd.RunLogs[0].Error, gc.IsNil)

	entities, err := s.registry.Entities("alpha")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(entities.All(), gc.HasLen, 1)
	c.Check(s.recorder.claimCount(), gc.Equals, 1)
	c.Check(s.events.kinds(), jc.DeepEquals, []string{
		telemetry.KindClaim, telemetry.KindSuccess,
	})
}

func (s *runnerSuite) TestOneShotWithDisableSignal(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:       "cmd-1",
		TenantID: "alpha",
		UserID:   "user-1",
		Payload: s.seal(c, `
			dao["/add-object"]({type: "X", data: {n: 1}});
			dao["/disable"]("done");
		`),
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.Status == command.StatusDisabled
	})

	c.Check(cmd.Disabled, jc.IsTrue)
	c.Check(cmd.SuccessCount, gc.Equals, 1)
	c.Check(cmd.EntitiesTouched, gc.Equals, 1)
	found := false
	for _, line := range cmd.Logs {
		if line.Message == "disabled: done" {
			found = true
		}
	}
	c.Check(found, jc.IsTrue, gc.Commentf("logs: %+v", cmd.Logs))

	entities, err := s.registry.Entities("alpha")
	c.Assert(err, jc.ErrorIsNil)
	all := entities.All()
	c.Assert(all, gc.HasLen, 1)
	c.Check(all[0].Type, gc.Equals, "X")
	c.Check(all[0].Data, gc.Equals, `{"n":1}`)
}

func (s *runnerSuite) TestRescheduleSignal(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:        "cmd-1",
		TenantID:  "alpha",
		UserID:    "user-1",
		Payload:   s.seal(c, `dao["/set-next-run-at"]("2025-03-01T00:00:00Z", "waiting for data");`),
		Action:    command.ActionRegisterRecurring,
		CronExpr:  "0 * * * *",
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.SuccessCount == 1 && cmd.NextRunAt != nil &&
			cmd.NextRunAt.Equal(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	})

	c.Check(cmd.Status, gc.Equals, command.StatusPending)
	c.Check(cmd.Disabled, jc.IsFalse)
	c.Check(cmd.LeaseHolder, gc.Equals, "")
	found := false
	for _, line := range cmd.Logs {
		if line.Message == "next run set to 2025-03-01T00:00:00Z: waiting for data" {
			found = true
		}
	}
	c.Check(found, jc.IsTrue, gc.Commentf("logs: %+v", cmd.Logs))
}

func (s *runnerSuite) TestRetryExhaustion(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:           "cmd-1",
		TenantID:     "alpha",
		UserID:       "user-1",
		Payload:      s.seal(c, `throw new Error("boom");`),
		Action:       command.ActionRunOnce,
		Status:       command.StatusPending,
		NextRunAt:    &next,
		MaxRetries:   2,
		RetryBackoff: 5 * time.Second,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 1
	})
	c.Check(cmd.Status, gc.Equals, command.StatusPending)
	c.Check(cmd.RetryCount, gc.Equals, 1)
	c.Assert(cmd.NextRunAt, gc.NotNil)
	c.Check(*cmd.NextRunAt, gc.Equals, startTime.Add(tickInterval+5*time.Second))

	s.advance(c, 5*time.Second)
	cmd = s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 2
	})
	c.Check(cmd.Status, gc.Equals, command.StatusPending)
	c.Check(cmd.RetryCount, gc.Equals, 2)

	s.advance(c, 5*time.Second)
	cmd = s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 3
	})
	c.Check(cmd.Status, gc.Equals, command.StatusFailed)
	c.Check(cmd.FailureCount, gc.Equals, 3)
	c.Check(cmd.RetryCount, gc.Equals, 3)
	c.Check(cmd.LastErrorCode, gc.Equals, command.CodeUnexpected)
	c.Assert(cmd.RunLogs, gc.HasLen, 3)
	c.Assert(cmd.RunLogs[2].Error, gc.NotNil)
	c.Check(cmd.RunLogs[2].Error.Message, gc.Equals, "boom")
	c.Check(s.recorder.failureCodes(), jc.DeepEquals, []string{
		command.CodeUnexpected, command.CodeUnexpected, command.CodeUnexpected,
	})
}

func (s *runnerSuite) TestStaleLeaseTakeover(c *gc.C) {
	next := startTime
	until := startTime.Add(leaseTTL)
	store := s.seed(c, "alpha", command.Command{
		ID:          "cmd-1",
		TenantID:    "alpha",
		UserID:      "user-1",
		Payload:     s.seal(c, `dao["/log"]("recovered");`),
		Action:      command.ActionRunOnce,
		Status:      command.StatusRunning,
		NextRunAt:   &next,
		LeaseHolder: "ghost",
		LeaseUntil:  &until,
	})
	s.newWorker(c)

	// One tick past lease expiry: the sweep releases the lease and the
	// same tick claims the record.
	s.advance(c, leaseTTL+time.Second)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.SuccessCount == 1
	})

	c.Check(cmd.StaleLeaseCount, gc.Equals, 1)
	c.Check(cmd.LeaseHolder, gc.Equals, "")
	released := false
	for _, line := range cmd.Logs {
		if line.Message == "stale lease auto-released" {
			released = true
		}
	}
	c.Check(released, jc.IsTrue)
	c.Check(s.recorder.staleCount(), gc.Equals, 1)
}

func (s *runnerSuite) TestFairOrderingWithinTenant(c *gc.C) {
	next := startTime
	storeA := s.seed(c, "alpha", command.Command{
		ID:        "cmd-a",
		TenantID:  "alpha",
		UserID:    "user-1",
		Payload:   s.seal(c, `dao["/add-object"]({id: "a", type: "T", data: {}});`),
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	storeA.Seed(command.Command{
		ID:        "cmd-b",
		TenantID:  "alpha",
		UserID:    "user-1",
		Payload:   s.seal(c, `dao["/add-object"]({id: "b", type: "T", data: {}});`),
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	s.waitFor(c, storeA, "cmd-a", func(cmd command.Command) bool { return cmd.SuccessCount == 1 })
	s.waitFor(c, storeA, "cmd-b", func(cmd command.Command) bool { return cmd.SuccessCount == 1 })

	// Equal next-run instants break ties on command id, and the
	// insertion order of the created entities records the claim order.
	entities, err := s.registry.Entities("alpha")
	c.Assert(err, jc.ErrorIsNil)
	all := entities.All()
	c.Assert(all, gc.HasLen, 2)
	c.Check(all[0].ID, gc.Equals, "a")
	c.Check(all[1].ID, gc.Equals, "b")
}

func (s *runnerSuite) TestCrossTenantIsolation(c *gc.C) {
	alpha, err := s.registry.Entities("alpha")
	c.Assert(err, jc.ErrorIsNil)
	alpha.Seed(entity.Entity{ID: "e-1", Type: "T", Data: `{"tenant":"alpha"}`})
	beta, err := s.registry.Entities("beta")
	c.Assert(err, jc.ErrorIsNil)
	beta.Seed(entity.Entity{ID: "e-1", Type: "T", Data: `{"tenant":"beta"}`})

	next := startTime
	store := s.seed(c, "beta", command.Command{
		ID:       "cmd-1",
		TenantID: "beta",
		UserID:   "user-1",
		Payload: s.seal(c, `
			var got = dao["/get-objects-raw"]();
			if (got.length !== 1) {
				throw new Error("expected 1 entity, got " + got.length);
			}
			if (got[0].data !== "{\"tenant\":\"beta\"}") {
				throw new Error("cross-tenant leak: " + got[0].data);
			}
		`),
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 1
	})
	c.Check(cmd.SuccessCount, gc.Equals, 1, gc.Commentf("run logs: %+v", cmd.RunLogs))
}

func (s *runnerSuite) TestDecryptFailure(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:        "cmd-1",
		TenantID:  "alpha",
		UserID:    "user-1",
		Payload:   "not an envelope",
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	cmd := s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 1
	})

	c.Check(cmd.Status, gc.Equals, command.StatusFailed)
	c.Check(cmd.FailureCount, gc.Equals, 1)
	c.Check(cmd.LastErrorCode, gc.Equals, command.CodeDecryptFailed)
	c.Assert(cmd.RunLogs, gc.HasLen, 1)
	c.Assert(cmd.RunLogs[0].Error, gc.NotNil)
	c.Check(cmd.RunLogs[0].Error.Code, gc.Equals, command.CodeDecryptFailed)
}

func (s *runnerSuite) TestTransientStoreErrorSkipsTick(c *gc.C) {
	next := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:        "cmd-1",
		TenantID:  "alpha",
		UserID:    "user-1",
		Payload:   s.seal(c, `dao["/log"]("ran");`),
		Action:    command.ActionRunOnce,
		Status:    command.StatusPending,
		NextRunAt: &next,
	})
	// The sweep call pops the nil, the claim pops the failure.
	store.Errs = []error{nil, errors.New("store on fire")}
	s.newWorker(c)

	s.advance(c, tickInterval)
	// The record must be untouched: no run, still pending.
	time.Sleep(coretesting.ShortWait)
	cmd, ok := store.Snapshot("cmd-1")
	c.Assert(ok, jc.IsTrue)
	c.Check(cmd.RunCount, gc.Equals, 0)
	c.Check(cmd.Status, gc.Equals, command.StatusPending)

	// The next tick recovers.
	s.advance(c, tickInterval)
	cmd = s.waitFor(c, store, "cmd-1", func(cmd command.Command) bool {
		return cmd.RunCount == 1
	})
	c.Check(cmd.SuccessCount, gc.Equals, 1)
}

func (s *runnerSuite) TestTerminateAfterNotClaimable(c *gc.C) {
	next := startTime
	deadline := startTime
	store := s.seed(c, "alpha", command.Command{
		ID:             "cmd-1",
		TenantID:       "alpha",
		UserID:         "user-1",
		Payload:        s.seal(c, `dao["/log"]("ran");`),
		Action:         command.ActionRunOnce,
		Status:         command.StatusPending,
		NextRunAt:      &next,
		TerminateAfter: &deadline,
	})
	s.newWorker(c)

	s.advance(c, tickInterval)
	time.Sleep(coretesting.ShortWait)
	cmd, ok := store.Snapshot("cmd-1")
	c.Assert(ok, jc.IsTrue)
	c.Check(cmd.RunCount, gc.Equals, 0)
	c.Check(cmd.Status, gc.Equals, command.StatusPending)
}

func (s *runnerSuite) TestConfigValidation(c *gc.C) {
	_, err := commandrunner.New(commandrunner.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

type recorderStub struct {
	mu       sync.Mutex
	claims   int
	stale    int
	failures []string
	runs     []string
}

func (r *recorderStub) IncClaims() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims++
}

func (r *recorderStub) ObserveRun(outcome string, duration time.Duration, entitiesTouched int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, outcome)
}

func (r *recorderStub) IncFailure(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, code)
}

func (r *recorderStub) AddStaleLeases(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale += n
}

func (r *recorderStub) claimCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims
}

func (r *recorderStub) staleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

func (r *recorderStub) failureCodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

type sinkStub struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *sinkStub) Publish(ev telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sinkStub) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

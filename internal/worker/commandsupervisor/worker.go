// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package commandsupervisor owns the lifetime of a process's command
// runners. It starts the configured number of runners under a
// restarting runner and tears them down together on Kill. Leases held
// by in-flight runs are deliberately not released on the way out; the
// stale-lease sweep reclaims them once their TTL lapses.
package commandsupervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
)

// restartDelay spaces runner restarts after a runner death so a
// persistently broken dependency cannot spin the process.
const restartDelay = 3 * time.Second

// NewRunnerFunc builds one command runner with the given lease-holder
// label.
type NewRunnerFunc func(label string) (worker.Worker, error)

// Config holds the supervisor's dependencies.
type Config struct {
	Clock  clock.Clock
	Logger corelogger.Logger

	// Workers is how many runners to start. Zero starts none, which
	// disables polling for this process.
	Workers int

	// LabelPrefix makes this process's runner labels distinct across
	// the fleet; runner n is labelled "<prefix>-<n>".
	LabelPrefix string

	NewRunner NewRunnerFunc
}

// Validate returns an error if the config cannot drive a supervisor.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Workers < 0 {
		return errors.NotValidf("negative Workers")
	}
	if config.LabelPrefix == "" {
		return errors.NotValidf("empty LabelPrefix")
	}
	if config.NewRunner == nil {
		return errors.NotValidf("nil NewRunner")
	}
	return nil
}

// Supervisor runs N command runners until killed.
type Supervisor struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner
}

// New returns a started Supervisor.
func New(config Config) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Supervisor{
		config: config,
		runner: worker.NewRunner(worker.RunnerParams{
			Clock: config.Clock,
			// A dead runner is restarted, not fatal to its peers.
			IsFatal:      func(error) bool { return false },
			RestartDelay: restartDelay,
		}),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: []worker.Worker{s.runner},
	})
	return s, errors.Trace(err)
}

// Kill is part of the worker.Worker interface.
func (s *Supervisor) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Supervisor) Wait() error {
	return s.catacomb.Wait()
}

// Report returns details about the running workers, for engine
// introspection.
func (s *Supervisor) Report() map[string]any {
	return s.runner.Report()
}

func (s *Supervisor) loop() error {
	ctx := s.catacomb.Context(context.Background())

	for i := 0; i < s.config.Workers; i++ {
		label := fmt.Sprintf("%s-%d", s.config.LabelPrefix, i)
		if err := s.runner.StartWorker(label, func() (worker.Worker, error) {
			return s.config.NewRunner(label)
		}); err != nil {
			return errors.Annotatef(err, "starting runner %q", label)
		}
		s.config.Logger.Infof(ctx, "started command runner %q", label)
	}
	if s.config.Workers == 0 {
		s.config.Logger.Warningf(ctx, "no command runners configured; polling is disabled")
	}

	<-s.catacomb.Dying()
	return s.catacomb.ErrDying()
}

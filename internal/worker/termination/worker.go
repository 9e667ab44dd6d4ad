// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package termination watches for SIGINT/SIGTERM and dies with
// ErrTerminationSignal when one arrives, letting whoever waits on the
// worker translate the signal into an orderly shutdown.
package termination

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"
)

// ErrTerminationSignal is the error a termination worker dies with
// when the process is asked to stop.
const ErrTerminationSignal = errors.ConstError("termination signal received")

// NewWorker returns a worker that waits for SIGINT or SIGTERM.
func NewWorker() worker.Worker {
	var w terminationWorker
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	w.tomb.Go(func() error {
		defer signal.Stop(c)
		return w.loop(c)
	})
	return &w
}

type terminationWorker struct {
	tomb tomb.Tomb
}

// Kill is part of the worker.Worker interface.
func (w *terminationWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *terminationWorker) Wait() error {
	return w.tomb.Wait()
}

func (w *terminationWorker) loop(c <-chan os.Signal) error {
	select {
	case <-c:
		return ErrTerminationSignal
	case <-w.tomb.Dying():
		return tomb.ErrDying
	}
}

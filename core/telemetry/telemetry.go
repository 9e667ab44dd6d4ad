// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package telemetry defines the write-only observability ports the
// scheduler core feeds. Implementations live outside the core; the
// no-ops here serve library users that do not care.
package telemetry

import (
	"time"
)

// Event kinds published by the worker.
const (
	KindClaim   = "claim"
	KindSuccess = "success"
	KindFailure = "failure"
	KindRetry   = "retry"
	KindSweep   = "sweep"
)

// Event is one structured telemetry record. Fields that do not apply
// to the kind are left zero.
type Event struct {
	Kind      string
	Tenant    string
	CommandID string
	Worker    string
	Code      string
	Count     int
	Duration  time.Duration
	At        time.Time
}

// Sink receives telemetry events. Publish must not block the worker;
// implementations queue or drop.
type Sink interface {
	Publish(Event)
}

// Recorder receives the worker's metric observations.
type Recorder interface {
	// IncClaims counts one successful claim.
	IncClaims()

	// ObserveRun records a finalized run with its outcome ("success"
	// or "failure"), wall-clock duration, and entity mutation count.
	ObserveRun(outcome string, duration time.Duration, entitiesTouched int)

	// IncFailure counts one failed run by error code.
	IncFailure(code string)

	// AddStaleLeases counts leases released by a sweep.
	AddStaleLeases(n int)
}

// NoopSink discards all events.
type NoopSink struct{}

// Publish is part of the Sink interface.
func (NoopSink) Publish(Event) {}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// IncClaims is part of the Recorder interface.
func (NoopRecorder) IncClaims() {}

// ObserveRun is part of the Recorder interface.
func (NoopRecorder) ObserveRun(string, time.Duration, int) {}

// IncFailure is part of the Recorder interface.
func (NoopRecorder) IncFailure(string) {}

// AddStaleLeases is part of the Recorder interface.
func (NoopRecorder) AddStaleLeases(int) {}

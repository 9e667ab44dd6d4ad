// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package telemetry ships the worker's structured events over an
// in-process pubsub hub. Consumers subscribe per event kind; the
// daemon attaches a debug-logging subscriber, and anything else in
// the process (an exporter, a test) can attach its own without the
// workers knowing.
package telemetry

import (
	"context"

	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"

	corelogger "github.com/atrofymovych/jaktoswim-backend-sub000/core/logger"
	"github.com/atrofymovych/jaktoswim-backend-sub000/core/telemetry"
)

const topicPrefix = "scheduler."

// kinds are the event kinds the workers publish; a subscriber to all
// of them sees every event.
var kinds = []string{
	telemetry.KindClaim,
	telemetry.KindSuccess,
	telemetry.KindFailure,
	telemetry.KindRetry,
	telemetry.KindSweep,
}

// Topic returns the hub topic carrying events of the given kind.
func Topic(kind string) string {
	return topicPrefix + kind
}

// NewHub returns the process's telemetry hub.
func NewHub(logger loggo.Logger) *pubsub.SimpleHub {
	return pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: logger,
	})
}

// HubSink implements telemetry.Sink over a pubsub hub. Publishing
// never blocks the worker; delivery runs on the hub's goroutine.
type HubSink struct {
	hub *pubsub.SimpleHub
}

// NewHubSink returns a sink publishing to hub.
func NewHubSink(hub *pubsub.SimpleHub) *HubSink {
	return &HubSink{hub: hub}
}

// Publish is part of the telemetry.Sink interface.
func (s *HubSink) Publish(ev telemetry.Event) {
	s.hub.Publish(Topic(ev.Kind), ev)
}

// SubscribeAll attaches handler to every event kind and returns a
// function removing all the subscriptions.
func SubscribeAll(hub *pubsub.SimpleHub, handler func(telemetry.Event)) func() {
	unsubs := make([]func(), 0, len(kinds))
	for _, kind := range kinds {
		unsubs = append(unsubs, hub.Subscribe(Topic(kind), func(topic string, data interface{}) {
			if ev, ok := data.(telemetry.Event); ok {
				handler(ev)
			}
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// AttachLogger subscribes a debug logger to every event kind,
// returning the unsubscribe function.
func AttachLogger(hub *pubsub.SimpleHub, logger corelogger.Logger) func() {
	ctx := context.Background()
	return SubscribeAll(hub, func(ev telemetry.Event) {
		switch ev.Kind {
		case telemetry.KindFailure, telemetry.KindRetry:
			logger.Debugf(ctx, "%s: tenant %q command %q worker %q code %q in %v",
				ev.Kind, ev.Tenant, ev.CommandID, ev.Worker, ev.Code, ev.Duration)
		case telemetry.KindSweep:
			logger.Debugf(ctx, "%s: tenant %q worker %q released %d",
				ev.Kind, ev.Tenant, ev.Worker, ev.Count)
		default:
			logger.Debugf(ctx, "%s: tenant %q command %q worker %q in %v",
				ev.Kind, ev.Tenant, ev.CommandID, ev.Worker, ev.Duration)
		}
	})
}

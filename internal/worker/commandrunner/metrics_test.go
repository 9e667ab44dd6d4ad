// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package commandrunner_test

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coretesting "github.com/atrofymovych/jaktoswim-backend-sub000/internal/testing"
	"github.com/atrofymovych/jaktoswim-backend-sub000/internal/worker/commandrunner"
)

type metricsSuite struct {
	coretesting.BaseSuite
}

var _ = gc.Suite(&metricsSuite{})

func (s *metricsSuite) TestCollectorRegistersAndCounts(c *gc.C) {
	collector := commandrunner.NewMetricsCollector()
	registry := prometheus.NewPedanticRegistry()
	c.Assert(registry.Register(collector), jc.ErrorIsNil)

	collector.IncClaims()
	collector.IncClaims()
	collector.ObserveRun("success", 120*time.Millisecond, 3)
	collector.ObserveRun("failure", time.Second, 0)
	collector.IncFailure("TIMEOUT")
	collector.AddStaleLeases(2)

	families, err := registry.Gather()
	c.Assert(err, jc.ErrorIsNil)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, label := range m.GetLabel() {
				name += "{" + label.GetName() + "=" + label.GetValue() + "}"
			}
			if m.GetCounter() != nil {
				values[name] = m.GetCounter().GetValue()
			}
		}
	}
	c.Check(values["scheduler_claims_total"], gc.Equals, 2.0)
	c.Check(values["scheduler_runs_total{outcome=success}"], gc.Equals, 1.0)
	c.Check(values["scheduler_runs_total{outcome=failure}"], gc.Equals, 1.0)
	c.Check(values["scheduler_failures_total{code=TIMEOUT}"], gc.Equals, 1.0)
	c.Check(values["scheduler_stale_leases_total"], gc.Equals, 2.0)
}

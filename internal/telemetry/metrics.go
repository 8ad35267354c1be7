// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records watchdog and workload metrics.
type Collector struct {
	meter metric.Meter

	reconcileTotal  metric.Int64Counter
	failuresTotal   metric.Int64Counter
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	// states holds the last reported watchdog state per module.
	statesMu sync.RWMutex
	states   map[string]string
}

// NewCollector registers edged's instruments with meterProvider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("edged")

	c := &Collector{
		meter:  meter,
		states: make(map[string]string),
	}

	var err error

	c.reconcileTotal, err = meter.Int64Counter(
		"edged_watchdog_reconcile_total",
		metric.WithDescription("Total number of watchdog reconciliation passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	c.failuresTotal, err = meter.Int64Counter(
		"edged_watchdog_failures_total",
		metric.WithDescription("Total number of failed reconciliation passes"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	c.requestsTotal, err = meter.Int64Counter(
		"edged_workload_requests_total",
		metric.WithDescription("Total number of workload API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	c.requestDuration, err = meter.Float64Histogram(
		"edged_workload_request_duration_seconds",
		metric.WithDescription("Workload API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"edged_watchdog_state",
		metric.WithDescription("Current watchdog state per module (1 for the active state)"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.statesMu.RLock()
			defer c.statesMu.RUnlock()
			for moduleID, state := range c.states {
				observer.Observe(1, metric.WithAttributes(
					attribute.String("module_id", moduleID),
					attribute.String("state", state),
				))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordReconcile records one reconciliation pass.
func (c *Collector) RecordReconcile(ctx context.Context, moduleID, action string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
		c.failuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("module_id", moduleID)))
	}
	c.reconcileTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module_id", moduleID),
		attribute.String("action", action),
		attribute.String("result", result),
	))
}

// RecordState records the watchdog's current state for moduleID.
func (c *Collector) RecordState(moduleID, state string) {
	c.statesMu.Lock()
	c.states[moduleID] = state
	c.statesMu.Unlock()
}

// State returns the last recorded state for moduleID.
func (c *Collector) State(moduleID string) (string, bool) {
	c.statesMu.RLock()
	defer c.statesMu.RUnlock()
	s, ok := c.states[moduleID]
	return s, ok
}

// RecordRequest records a completed workload API request.
func (c *Collector) RecordRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", strconv.Itoa(status)),
	)
	c.requestsTotal.Add(ctx, 1, attrs)
	c.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "time"

// Metrics receives delivery measurements.
type Metrics interface {
	Delivered(n int)
	Failed(n int)
	Redelivered(n int)
	VolatileDropped(n int)
	BatchDuration(d time.Duration)
	StateChanged(from, to State)
	WorkerStarted()
	WorkerFinished()
}

type nopMetrics struct{}

func (nopMetrics) Delivered(int)               {}
func (nopMetrics) Failed(int)                  {}
func (nopMetrics) Redelivered(int)             {}
func (nopMetrics) VolatileDropped(int)         {}
func (nopMetrics) BatchDuration(time.Duration) {}
func (nopMetrics) StateChanged(State, State)   {}
func (nopMetrics) WorkerStarted()              {}
func (nopMetrics) WorkerFinished()             {}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

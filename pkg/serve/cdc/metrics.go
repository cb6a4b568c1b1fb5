// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"sync"
	"sync/atomic"
	"time"
)

// latencyWindow bounds the rolling latency sample.
const latencyWindow = 1000

// Metrics tracks pipeline throughput. Counters are atomics so the
// flush path never contends; batch latencies keep the most recent
// window for the rolling average.
type Metrics struct {
	events  atomic.Uint64
	batches atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	cursor    int
}

// MetricsSnapshot is a point-in-time copy of pipeline counters.
type MetricsSnapshot struct {
	Events         uint64
	Batches        uint64
	Bytes          uint64
	Errors         uint64
	AverageLatency time.Duration
}

func (m *Metrics) addBatch(events, size int, took time.Duration) {
	m.events.Add(uint64(events))
	m.batches.Add(1)
	m.bytes.Add(uint64(size))
	m.mu.Lock()
	if len(m.latencies) < latencyWindow {
		m.latencies = append(m.latencies, took)
	} else {
		m.latencies[m.cursor] = took
		m.cursor = (m.cursor + 1) % latencyWindow
	}
	m.mu.Unlock()
}

func (m *Metrics) addError() {
	m.errors.Add(1)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Events:  m.events.Load(),
		Batches: m.batches.Load(),
		Bytes:   m.bytes.Load(),
		Errors:  m.errors.Load(),
	}
	m.mu.Lock()
	if len(m.latencies) != 0 {
		var total time.Duration
		for _, d := range m.latencies {
			total += d
		}
		s.AverageLatency = total / time.Duration(len(m.latencies))
	}
	m.mu.Unlock()
	return s
}

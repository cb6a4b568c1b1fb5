// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultRetryBackoff = 2.0
)

// DeadLetter receives the original events of a batch that could not
// be delivered after retries were exhausted. Handlers run on the
// flush goroutine and should return quickly.
type DeadLetter func(events []Event, err error)

// Options configures a pipeline. Zero values fall back to the
// package defaults.
type Options struct {
	// Version stamps events captured without one.
	Version string
	// MaxBufferSize is the capturer auto-flush threshold.
	MaxBufferSize int
	// BatchSize and FlushInterval are the two batch triggers.
	BatchSize     int
	FlushInterval time.Duration
	// MaxRetries bounds redelivery attempts after the first failure.
	MaxRetries int
	RetryDelay time.Duration
	Backoff    float64
	// Jitter spreads retry waits by ±Jitter·delay, clamped to [0, 1].
	Jitter float64
	// Columns are projected from top-level payload JSON fields into
	// extra string columns.
	Columns    []string
	DeadLetter DeadLetter
}

// RetryPolicy produces exponential backoff waits between delivery
// attempts.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Backoff    float64
	Jitter     float64
}

func (p RetryPolicy) attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return 1 + p.MaxRetries
}

// wait sleeps Delay·Backoff^(k-1), jittered, before retry k
// (1-indexed). Returns early with the context error on cancellation.
func (p RetryPolicy) wait(ctx context.Context, k int) error {
	d := time.Duration(float64(p.Delay) * math.Pow(p.Backoff, float64(k-1)))
	if p.Jitter > 0 {
		d += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(d))
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pipeline wires capture, batching, columnar transform, serialization
// and sink delivery into one unit with retry, dead-letter and metrics.
type Pipeline struct {
	version   string
	columns   []string
	retry     RetryPolicy
	dead      DeadLetter
	sinks     []Sink
	metrics   Metrics
	capturer  *Capturer
	batcher   *Batcher
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func NewPipeline(opts Options, sinks ...Sink) *Pipeline {
	if opts.Version == "" {
		opts.Version = SchemaVersion
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Backoff < 1 {
		opts.Backoff = DefaultRetryBackoff
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Jitter > 1 {
		opts.Jitter = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		version: opts.Version,
		columns: opts.Columns,
		retry: RetryPolicy{
			MaxRetries: opts.MaxRetries,
			Delay:      opts.RetryDelay,
			Backoff:    opts.Backoff,
			Jitter:     opts.Jitter,
		},
		dead:   opts.DeadLetter,
		sinks:  sinks,
		ctx:    ctx,
		cancel: cancel,
	}
	p.batcher = NewBatcher(opts.BatchSize, opts.FlushInterval, p.emit)
	p.capturer = NewCapturer(p.batcher.Add, opts.MaxBufferSize)
	return p
}

// Capture stamps and buffers one event, returning the stamped copy.
func (p *Pipeline) Capture(e Event) Event {
	if e.Version == "" {
		e.Version = p.version
	}
	return p.capturer.Capture(e)
}

// Subscribe registers a synchronous listener invoked for every
// captured event.
func (p *Pipeline) Subscribe(fn Listener) {
	p.capturer.Subscribe(fn)
}

// Flush pushes buffered events into the batcher. Batches are still
// cut on size or interval; Close drains everything.
func (p *Pipeline) Flush() {
	p.capturer.Flush()
}

func (p *Pipeline) Sequence() uint64 {
	return p.capturer.Sequence()
}

func (p *Pipeline) Metrics() MetricsSnapshot {
	return p.metrics.Snapshot()
}

// Close flushes buffered events, drains the batcher, then stops
// in-flight sink writes. Safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.capturer.Flush()
		p.batcher.Close()
		p.cancel()
	})
	return nil
}

// emit runs on the batcher goroutine. Batches mix repositories, so
// events are regrouped per repository before landing: one file per
// repository per flush keeps consumers free of cross-tenant reads.
func (p *Pipeline) emit(events []Event) {
	for _, group := range partition(events) {
		p.flushGroup(group)
	}
}

func partition(events []Event) [][]Event {
	groups := make(map[int64][]Event)
	order := make([]int64, 0, 4)
	for _, e := range events {
		if _, seen := groups[e.RID]; !seen {
			order = append(order, e.RID)
		}
		groups[e.RID] = append(groups[e.RID], e)
	}
	out := make([][]Event, 0, len(order))
	for _, rid := range order {
		out = append(out, groups[rid])
	}
	return out
}

func (p *Pipeline) flushGroup(events []Event) {
	start := time.Now()
	name := batchName(events[0].RID, events[0].Sequence)
	batch, err := Transform(events, p.columns)
	if err != nil {
		p.discard(events, err)
		return
	}
	data, err := Serialize(batch)
	if err != nil {
		p.discard(events, err)
		return
	}
	if err := p.deliver(name, data); err != nil {
		p.discard(events, err)
		return
	}
	p.metrics.addBatch(len(events), len(data), time.Since(start))
}

// batchName shapes object keys so per-repository listings stay cheap
// and names sort by emission time, with the first sequence breaking
// same-millisecond ties.
func batchName(rid int64, firstSeq uint64) string {
	return fmt.Sprintf("cdc/%d/%d-%d.parquet", rid, time.Now().UnixMilli(), firstSeq)
}

func (p *Pipeline) deliver(name string, data []byte) error {
	var firstErr error
	for _, s := range p.sinks {
		if err := p.deliverOne(s, name, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) deliverOne(s Sink, name string, data []byte) error {
	var lastErr error
	attempts := p.retry.attempts()
	for k := 0; k < attempts; k++ {
		if k > 0 {
			if err := p.retry.wait(p.ctx, k); err != nil {
				return lastErr
			}
		}
		if err := s.Write(p.ctx, name, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (p *Pipeline) discard(events []Event, err error) {
	p.metrics.addError()
	logrus.Errorf("cdc: dropping batch of %d events: %v", len(events), err)
	if p.dead != nil {
		p.dead(events, err)
	}
}

// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelscm/keel/modules/strengthen"
)

const DefaultMaxBufferSize = 256

// Listener observes every event at capture time, before batching. The
// slice is append-only; subscribing is cheap, unsubscribing does not
// exist.
type Listener func(Event)

// Capturer stamps events with identity, time and a session-monotonic
// sequence, fans them out to listeners and buffers them for the
// downstream flush. One capturer is one capture session: sequences
// restart only with the process.
type Capturer struct {
	seq        atomic.Uint64
	maxBuffer  int
	downstream func([]Event)

	mu  sync.Mutex
	buf []Event

	lmu       sync.RWMutex
	listeners []Listener
}

// NewCapturer wires a capturer to its downstream, typically
// Batcher.Add. A maxBuffer of zero means DefaultMaxBufferSize.
func NewCapturer(downstream func([]Event), maxBuffer int) *Capturer {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBufferSize
	}
	return &Capturer{maxBuffer: maxBuffer, downstream: downstream}
}

// Subscribe adds a listener. Listeners run synchronously on the
// capturing goroutine, so the caller sees its own event before Capture
// returns.
func (c *Capturer) Subscribe(fn Listener) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

// Capture stamps and records one event, returning it with identity,
// sequence, timestamp and version assigned. The buffer auto-flushes
// once it reaches the configured size.
func (c *Capturer) Capture(e Event) Event {
	e.Sequence = c.seq.Add(1)
	if e.ID == "" {
		e.ID = strengthen.NewRID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Version == "" {
		e.Version = SchemaVersion
	}

	c.lmu.RLock()
	listeners := c.listeners
	c.lmu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}

	c.mu.Lock()
	c.buf = append(c.buf, e)
	var out []Event
	if len(c.buf) >= c.maxBuffer {
		out = c.buf
		c.buf = nil
	}
	c.mu.Unlock()
	if out != nil && c.downstream != nil {
		c.downstream(out)
	}
	return e
}

// Flush hands whatever is buffered to the downstream immediately.
func (c *Capturer) Flush() {
	c.mu.Lock()
	out := c.buf
	c.buf = nil
	c.mu.Unlock()
	if len(out) > 0 && c.downstream != nil {
		c.downstream(out)
	}
}

// Sequence reports the last assigned sequence number.
func (c *Capturer) Sequence() uint64 {
	return c.seq.Load()
}

// Pending reports how many events await the next flush.
func (c *Capturer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"sync"
	"time"
)

const (
	DefaultBatchSize     = 128
	DefaultFlushInterval = 5 * time.Second
)

// Batcher aggregates events and flushes on whichever trigger fires
// first: the batch reaching its size, or the interval tick. A single
// goroutine owns the buffer; producers only ever touch the input
// channel, so the flush callback needs no locking of its own.
type Batcher struct {
	in       chan []Event
	size     int
	interval time.Duration
	flush    func([]Event)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBatcher starts the batching goroutine. flush receives batches of
// at most size events and is called from that one goroutine only.
func NewBatcher(size int, interval time.Duration, flush func([]Event)) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &Batcher{
		in:       make(chan []Event, 64),
		size:     size,
		interval: interval,
		flush:    flush,
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Add queues events for batching. It blocks while the batcher is
// saturated and drops only when the batcher is already closed.
func (b *Batcher) Add(events []Event) {
	if len(events) == 0 {
		return
	}
	select {
	case b.in <- events:
	case <-b.done:
	}
}

// Close flushes what remains and stops the goroutine. Events still
// sitting in the input channel are drained first.
func (b *Batcher) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var buf []Event
	emit := func(n int) {
		if n > len(buf) {
			n = len(buf)
		}
		if n == 0 {
			return
		}
		chunk := make([]Event, n)
		copy(chunk, buf)
		buf = buf[n:]
		b.flush(chunk)
	}
	for {
		select {
		case events := <-b.in:
			buf = append(buf, events...)
			for len(buf) >= b.size {
				emit(b.size)
			}
		case <-ticker.C:
			emit(len(buf))
		case <-b.done:
			for {
				select {
				case events := <-b.in:
					buf = append(buf, events...)
				default:
					for len(buf) > 0 {
						emit(b.size)
					}
					return
				}
			}
		}
	}
}

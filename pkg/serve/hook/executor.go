// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keelscm/keel/pkg/version"
)

// Executor drives the registered hooks at each pipeline point.
type Executor struct {
	registry *Registry
	client   *http.Client
	observer Observer
	agent    string
}

type Option func(*Executor)

// WithObserver streams one Result per hook run, successes included. The
// push reporter uses this to forward hook output to the client.
func WithObserver(fn Observer) Option {
	return func(e *Executor) { e.observer = fn }
}

// WithHTTPClient overrides the webhook transport.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) { e.client = client }
}

func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		client:   &http.Client{},
		agent:    version.GetUserAgent(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PreReceive runs the pre-receive hooks in order. The first failure is
// returned and the remaining hooks never run; the caller aborts the
// push.
func (e *Executor) PreReceive(ctx context.Context, req *Request) error {
	for _, h := range e.registry.At(PreReceive) {
		if err := e.run(ctx, h, req); err != nil {
			return err
		}
	}
	return nil
}

// Update runs the update hooks for the single command in req.Ref. The
// first failure is returned; the caller rejects that ref and moves on
// to the next one.
func (e *Executor) Update(ctx context.Context, req *Request) error {
	for _, h := range e.registry.At(Update) {
		if err := e.run(ctx, h, req); err != nil {
			return err
		}
	}
	return nil
}

// PostReceive fans the post-receive hooks out in parallel. Failures are
// logged and observed but cannot alter the outcome of the push.
func (e *Executor) PostReceive(ctx context.Context, req *Request) {
	e.parallel(ctx, PostReceive, req)
}

// PostUpdate behaves like PostReceive for the per-ref point.
func (e *Executor) PostUpdate(ctx context.Context, req *Request) {
	e.parallel(ctx, PostUpdate, req)
}

func (e *Executor) parallel(ctx context.Context, point Point, req *Request) {
	hooks := e.registry.At(point)
	if len(hooks) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.run(ctx, h, req); err != nil {
				logrus.Errorf("hook '%s' (%s) failed: %v", h.ID, point, err)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) run(ctx context.Context, h Hook, req *Request) error {
	start := time.Now()
	var output string
	var err error
	if h.Webhook != nil {
		output, err = e.deliver(ctx, h, req)
	} else {
		err = e.invoke(ctx, h, req)
	}
	if e.observer != nil {
		res := Result{HookID: h.ID, Point: h.Point, Took: time.Since(start), Output: output, Err: err}
		if req.Ref != nil {
			res.Ref = req.Ref.RefName
		}
		e.observer(res)
	}
	return err
}

// invoke runs an in-process handler under the hook deadline. The
// deadline is enforced here, not merely offered: a handler that ignores
// its context still cannot stall the push, it is abandoned.
func (e *Executor) invoke(ctx context.Context, h Hook, req *Request) error {
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.Handler(hctx, req)
	}()
	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return &HookTimeout{ID: h.ID, After: h.Timeout}
		}
		return err
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return &HookTimeout{ID: h.ID, After: h.Timeout}
		}
		return hctx.Err()
	}
}

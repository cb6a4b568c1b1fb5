// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/pkg/serve/protocol"
)

func noopHandler(ctx context.Context, req *Request) error { return nil }

func mustCommand(t *testing.T, old, new, refname string) *protocol.Command {
	t.Helper()
	cmd, err := protocol.ParseCommand(old + " " + new + " " + refname)
	require.NoError(t, err)
	return cmd
}

const (
	revA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	revB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	zero = "0000000000000000000000000000000000000000"
)

func TestRegistryValidation(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Hook{Point: PreReceive, Handler: noopHandler}))
	assert.Error(t, r.Register(Hook{ID: "x", Point: Point("pre-commit"), Handler: noopHandler}))
	assert.Error(t, r.Register(Hook{ID: "x", Point: PreReceive}))
	assert.Error(t, r.Register(Hook{ID: "x", Point: PreReceive, Handler: noopHandler, Webhook: &Webhook{Endpoint: "http://example.com"}}))

	require.NoError(t, r.Register(Hook{ID: "x", Point: PreReceive, Handler: noopHandler}))
	err := r.Register(Hook{ID: "x", Point: PostReceive, Handler: noopHandler})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateHook)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryOrdering(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Hook{ID: "late", Point: PreReceive, Priority: 200, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "first", Point: PreReceive, Priority: 1, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "default-a", Point: PreReceive, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "default-b", Point: PreReceive, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "elsewhere", Point: Update, Handler: noopHandler}))

	var ids []string
	for _, h := range r.At(PreReceive) {
		ids = append(ids, h.ID)
	}
	// Priority ascending; equal priorities keep registration order.
	assert.Equal(t, []string{"first", "default-a", "default-b", "late"}, ids)

	// Defaults are materialized at registration.
	hooks := r.At(PreReceive)
	assert.Equal(t, DefaultPriority, hooks[1].Priority)
	assert.Equal(t, DefaultTimeout, hooks[1].Timeout)
}

func TestRegistryDeregisterAndDisable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Hook{ID: "a", Point: PreReceive, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "b", Point: PreReceive, Handler: noopHandler}))

	assert.True(t, r.SetEnabled("a", false))
	assert.False(t, r.SetEnabled("ghost", false))
	ids := func() (out []string) {
		for _, h := range r.At(PreReceive) {
			out = append(out, h.ID)
		}
		return
	}
	assert.Equal(t, []string{"b"}, ids())

	assert.True(t, r.SetEnabled("a", true))
	assert.Equal(t, []string{"a", "b"}, ids())

	assert.True(t, r.Deregister("a"))
	assert.False(t, r.Deregister("a"))
	assert.Equal(t, []string{"b"}, ids())
	assert.Equal(t, 1, r.Len())
}

func TestExecutorPreReceiveShortCircuits(t *testing.T) {
	r := NewRegistry()
	var ran []string
	var mu sync.Mutex
	record := func(id string, err error) Handler {
		return func(ctx context.Context, req *Request) error {
			mu.Lock()
			ran = append(ran, id)
			mu.Unlock()
			return err
		}
	}
	boom := errors.New("nope")
	require.NoError(t, r.Register(Hook{ID: "one", Point: PreReceive, Priority: 1, Handler: record("one", nil)}))
	require.NoError(t, r.Register(Hook{ID: "two", Point: PreReceive, Priority: 2, Handler: record("two", boom)}))
	require.NoError(t, r.Register(Hook{ID: "three", Point: PreReceive, Priority: 3, Handler: record("three", nil)}))

	e := NewExecutor(r)
	err := e.PreReceive(context.Background(), &Request{Repository: "x/y"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"one", "two"}, ran)
}

func TestExecutorUpdateSeesRef(t *testing.T) {
	r := NewRegistry()
	var seen plumbing.ReferenceName
	require.NoError(t, r.Register(Hook{ID: "u", Point: Update, Handler: func(ctx context.Context, req *Request) error {
		if req.Ref == nil {
			return errors.New("ref not set")
		}
		seen = req.Ref.RefName
		return nil
	}}))
	e := NewExecutor(r)
	cmd := mustCommand(t, revA, revB, "refs/heads/main")
	require.NoError(t, e.Update(context.Background(), &Request{Ref: cmd, Commands: []*protocol.Command{cmd}}))
	assert.Equal(t, plumbing.ReferenceName("refs/heads/main"), seen)
}

func TestExecutorPostReceiveBestEffort(t *testing.T) {
	r := NewRegistry()
	var ran atomic.Int32
	require.NoError(t, r.Register(Hook{ID: "bad", Point: PostReceive, Handler: func(ctx context.Context, req *Request) error {
		ran.Add(1)
		return errors.New("ignored")
	}}))
	require.NoError(t, r.Register(Hook{ID: "slow", Point: PostReceive, Handler: func(ctx context.Context, req *Request) error {
		time.Sleep(20 * time.Millisecond)
		ran.Add(1)
		return nil
	}}))
	require.NoError(t, r.Register(Hook{ID: "good", Point: PostReceive, Handler: func(ctx context.Context, req *Request) error {
		ran.Add(1)
		return nil
	}}))

	// PostReceive returns nothing; it must wait for every hook anyway.
	e := NewExecutor(r)
	e.PostReceive(context.Background(), &Request{})
	assert.Equal(t, int32(3), ran.Load())
}

func TestExecutorTimeout(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Hook{ID: "stuck", Point: PreReceive, Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, req *Request) error {
			<-ctx.Done()
			return ctx.Err()
		}}))
	e := NewExecutor(r)
	err := e.PreReceive(context.Background(), &Request{})
	require.Error(t, err)
	assert.True(t, IsHookTimeout(err))
	var te *HookTimeout
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "stuck", te.ID)
	assert.Equal(t, 20*time.Millisecond, te.After)
}

func TestExecutorTimeoutAbandonsDeafHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := NewRegistry()
	require.NoError(t, r.Register(Hook{ID: "deaf", Point: PreReceive, Timeout: 10 * time.Millisecond,
		Handler: func(ctx context.Context, req *Request) error {
			<-release // never looks at ctx
			return nil
		}}))
	e := NewExecutor(r)
	start := time.Now()
	err := e.PreReceive(context.Background(), &Request{})
	assert.True(t, IsHookTimeout(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutorObserver(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("declined")
	require.NoError(t, r.Register(Hook{ID: "ok", Point: PreReceive, Priority: 1, Handler: noopHandler}))
	require.NoError(t, r.Register(Hook{ID: "ng", Point: PreReceive, Priority: 2, Handler: func(ctx context.Context, req *Request) error {
		return boom
	}}))

	var mu sync.Mutex
	var results []Result
	e := NewExecutor(r, WithObserver(func(res Result) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}))
	err := e.PreReceive(context.Background(), &Request{})
	assert.ErrorIs(t, err, boom)

	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].HookID)
	assert.Equal(t, PreReceive, results[0].Point)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "ng", results[1].HookID)
	assert.ErrorIs(t, results[1].Err, boom)
}

func TestParsePoint(t *testing.T) {
	p, err := ParsePoint("post-update")
	require.NoError(t, err)
	assert.Equal(t, PostUpdate, p)
	_, err = ParsePoint("post-checkout")
	assert.Error(t, err)
}

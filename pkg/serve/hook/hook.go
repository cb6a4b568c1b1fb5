// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package hook runs lifecycle hooks around ref updates. A hook is either
// an in-process handler or an outbound webhook; both see the same request
// shape and run under the same per-hook deadline. Pre-receive and update
// hooks gate the push, post hooks are strictly informational.
package hook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
	"github.com/keelscm/keel/pkg/serve/protocol"
)

// Point names a position in the push pipeline where hooks run.
type Point string

const (
	// PreReceive runs once per push before any ref moves; the first
	// failure aborts the whole push.
	PreReceive Point = "pre-receive"
	// Update runs once per ref right before its compare-and-swap; a
	// failure rejects that ref only.
	Update Point = "update"
	// PostReceive runs once per push after refs moved; best effort.
	PostReceive Point = "post-receive"
	// PostUpdate runs once per moved ref; best effort.
	PostUpdate Point = "post-update"
)

func (p Point) Valid() bool {
	switch p {
	case PreReceive, Update, PostReceive, PostUpdate:
		return true
	}
	return false
}

// ParsePoint maps a config string onto a known point.
func ParsePoint(s string) (Point, error) {
	p := Point(s)
	if !p.Valid() {
		return "", fmt.Errorf("hook: unknown point %q", s)
	}
	return p, nil
}

const (
	DefaultPriority = 100
	DefaultTimeout  = 30 * time.Second
)

// Handler is an in-process hook body. The context carries the per-hook
// deadline; a handler that outlives it is abandoned, not awaited.
type Handler func(ctx context.Context, req *Request) error

// Hook binds a pipeline point to either an in-process handler or an
// outbound webhook. Exactly one of Handler and Webhook must be set.
// Zero Priority and Timeout are replaced with the defaults at
// registration; lower priorities run earlier.
type Hook struct {
	ID       string
	Point    Point
	Priority int
	Timeout  time.Duration
	Disabled bool
	Handler  Handler
	Webhook  *Webhook
}

// Objects is the slice of the object database hooks may inspect. During
// a push it is backed by the quarantine, so hooks see the staged history
// before any ref moves.
type Objects interface {
	Commit(ctx context.Context, oid plumbing.Hash) (*object.Commit, error)
	IsAncestor(ctx context.Context, old, new plumbing.Hash) (bool, error)
	IsStaged(oid plumbing.Hash) bool
}

// Request is the view of one push handed to every hook.
type Request struct {
	RID        int64
	Repository string
	Commands   []*protocol.Command
	// Ref is the single command under decision at the update and
	// post-update points, nil elsewhere.
	Ref *protocol.Command
	// Results carries the per-ref outcomes at post-receive.
	Results []RefResult
	Env     map[string]string
	User    string
	Teams   []string
	Admin   bool
	Objects Objects
}

// RefResult reports how one command fared when refs were applied.
type RefResult struct {
	Command *protocol.Command
	OK      bool
	Reason  string
}

// Result is handed to the observer after every hook run, successes
// included.
type Result struct {
	HookID string
	Point  Point
	Ref    plumbing.ReferenceName
	Took   time.Duration
	Output string
	Err    error
}

// Observer receives one Result per hook run.
type Observer func(Result)

// HookTimeout reports a hook that exceeded its deadline. For webhooks
// the deadline applies per delivery attempt.
type HookTimeout struct {
	ID    string
	After time.Duration
}

func (e *HookTimeout) Error() string {
	return fmt.Sprintf("hook '%s' timed out after %v", e.ID, e.After)
}

func IsHookTimeout(err error) bool {
	var te *HookTimeout
	return errors.As(err, &te)
}

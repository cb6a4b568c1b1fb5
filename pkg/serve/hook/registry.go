// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateHook = errors.New("duplicate hook id")
)

// Registry holds the configured hooks keyed by point and is safe for
// concurrent use. At returns hooks in execution order: priority
// ascending, registration order breaking ties.
type Registry struct {
	mu     sync.RWMutex
	points map[Point][]*Hook
}

func NewRegistry() *Registry {
	return &Registry{points: make(map[Point][]*Hook)}
}

// Register validates and stores one hook. Zero Priority and Timeout are
// normalized to the defaults here so everything downstream can read
// them without guessing.
func (r *Registry) Register(h Hook) error {
	if h.ID == "" {
		return errors.New("hook: empty id")
	}
	if !h.Point.Valid() {
		return fmt.Errorf("hook '%s': unknown point %q", h.ID, h.Point)
	}
	if (h.Handler == nil) == (h.Webhook == nil) {
		return fmt.Errorf("hook '%s': exactly one of Handler and Webhook must be set", h.ID)
	}
	if h.Priority == 0 {
		h.Priority = DefaultPriority
	}
	if h.Timeout <= 0 {
		h.Timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookup(h.ID) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateHook, h.ID)
	}
	hooks := append(r.points[h.Point], &h)
	// Stable sort keeps equal priorities in registration order.
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })
	r.points[h.Point] = hooks
	return nil
}

func (r *Registry) lookup(id string) *Hook {
	for _, hooks := range r.points {
		for _, h := range hooks {
			if h.ID == id {
				return h
			}
		}
	}
	return nil
}

// Deregister removes a hook and reports whether the id was known.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for p, hooks := range r.points {
		for i, h := range hooks {
			if h.ID == id {
				r.points[p] = append(hooks[:i:i], hooks[i+1:]...)
				return true
			}
		}
	}
	return false
}

// SetEnabled flips a hook in or out of the execution order without
// losing its registration slot.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.lookup(id)
	if h == nil {
		return false
	}
	h.Disabled = !enabled
	return true
}

// At returns the enabled hooks for point in execution order. The slice
// holds copies, so callers cannot mutate registered state.
func (r *Registry) At(point Point) []Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := r.points[point]
	out := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		if !h.Disabled {
			out = append(out, *h)
		}
	}
	return out
}

// Len reports the total number of registered hooks across all points.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, hooks := range r.points {
		n += len(hooks)
	}
	return n
}

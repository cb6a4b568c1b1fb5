// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/pkg/serve/database"
)

// DefaultMaxResolveDepth bounds symbolic chains; git itself gives up after
// a handful of hops, anything deeper is a misconfigured repository.
const DefaultMaxResolveDepth = 10

type ErrCircularReference struct {
	Name plumbing.ReferenceName
}

func (e *ErrCircularReference) Error() string {
	return fmt.Sprintf("circular reference: '%s'", e.Name)
}

func IsErrCircularReference(err error) bool {
	var e *ErrCircularReference
	return errors.As(err, &e)
}

type ErrMaxDepth struct {
	Name  plumbing.ReferenceName
	Depth int
}

func (e *ErrMaxDepth) Error() string {
	return fmt.Sprintf("resolve '%s': max depth %d exceeded", e.Name, e.Depth)
}

func IsErrMaxDepth(err error) bool {
	var e *ErrMaxDepth
	return errors.As(err, &e)
}

// Backend is the transactional half of the store, satisfied by database.DB.
type Backend interface {
	FindReference(ctx context.Context, rid int64, name plumbing.ReferenceName) (*database.Reference, error)
	ListReferences(ctx context.Context, rid int64, prefix string) ([]*database.Reference, error)
	UpsertSymbolicReference(ctx context.Context, rid int64, name, target plumbing.ReferenceName) (*database.Reference, error)
	DoReferenceUpdate(ctx context.Context, cmd *database.Command) (*database.Reference, error)
	DoReferenceUpdates(ctx context.Context, cmds []*database.Command, atomic bool) ([]*database.UpdateResult, error)
}

// Update describes one committed ref mutation. Targets are hex object ids
// for direct refs and reference names for symbolic ones; the zero oid marks
// absence on the respective side.
type Update struct {
	Name      plumbing.ReferenceName
	OldTarget string
	NewTarget string
}

// UpdateFunc observes committed mutations. Callbacks run synchronously on
// the mutating goroutine, after the transaction commits and before the
// caller writes its report, once per mutation.
type UpdateFunc func(Update)

// ProjectionSink receives the packed-refs projection. modules/oss buckets
// and the odb cold drivers satisfy it.
type ProjectionSink interface {
	Put(ctx context.Context, resourcePath string, r io.Reader, mime string) error
}

// Store is the per-repository reference surface: CAS updates over the
// transactional backend, symbolic resolution, committed-update callbacks and
// the asynchronous packed projection.
type Store struct {
	rid     int64
	backend Backend
	sink    ProjectionSink

	mu        sync.RWMutex
	callbacks []UpdateFunc

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(backend Backend, rid int64, sink ProjectionSink) *Store {
	s := &Store{
		rid:     rid,
		backend: backend,
		sink:    sink,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if sink != nil {
		s.wg.Add(1)
		go s.projectionLoop()
	}
	return s
}

func (s *Store) RID() int64 {
	return s.rid
}

// OnRefUpdate registers fn for every committed mutation.
func (s *Store) OnRefUpdate(fn UpdateFunc) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *Store) fire(u Update) {
	s.mu.RLock()
	callbacks := s.callbacks
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(u)
	}
}

func (s *Store) Get(ctx context.Context, name plumbing.ReferenceName) (*database.Reference, error) {
	return s.backend.FindReference(ctx, s.rid, name)
}

func (s *Store) List(ctx context.Context, prefix string) ([]*database.Reference, error) {
	return s.backend.ListReferences(ctx, s.rid, prefix)
}

// CASUpdate swaps oldRev for newRev on a direct ref. The zero oid as oldRev
// demands absence (create), as newRev it deletes. A stored value that does
// not match oldRev byte for byte aborts with ErrAlreadyLocked.
func (s *Store) CASUpdate(ctx context.Context, name plumbing.ReferenceName, oldRev, newRev string) (*database.Reference, error) {
	ref, err := s.backend.DoReferenceUpdate(ctx, &database.Command{
		ReferenceName: name,
		OldRev:        oldRev,
		NewRev:        newRev,
		RID:           s.rid,
	})
	if err != nil {
		return nil, err
	}
	s.fire(Update{Name: name, OldTarget: oldRev, NewTarget: newRev})
	s.kickProjection()
	return ref, nil
}

func (s *Store) Delete(ctx context.Context, name plumbing.ReferenceName, oldRev string) error {
	_, err := s.CASUpdate(ctx, name, oldRev, plumbing.ZERO_OID)
	return err
}

// Apply runs a batch of CAS commands, one transaction for all of them when
// atomic. Callbacks fire only for commands that actually committed.
func (s *Store) Apply(ctx context.Context, cmds []*database.Command, atomic bool) ([]*database.UpdateResult, error) {
	for _, cmd := range cmds {
		cmd.RID = s.rid
	}
	results, err := s.backend.DoReferenceUpdates(ctx, cmds, atomic)
	if results == nil {
		return nil, err
	}
	committed := false
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		committed = true
		s.fire(Update{
			Name:      result.Command.ReferenceName,
			OldTarget: result.Command.OldRev,
			NewTarget: result.Command.NewRev,
		})
	}
	if committed {
		s.kickProjection()
	}
	return results, err
}

// SetSymbolic points a symbolic ref (typically HEAD) at target.
func (s *Store) SetSymbolic(ctx context.Context, name, target plumbing.ReferenceName) (*database.Reference, error) {
	old := plumbing.ZERO_OID
	if current, err := s.backend.FindReference(ctx, s.rid, name); err == nil {
		old = current.Target
	}
	ref, err := s.backend.UpsertSymbolicReference(ctx, s.rid, name, target)
	if err != nil {
		return nil, err
	}
	s.fire(Update{Name: name, OldTarget: old, NewTarget: string(target)})
	s.kickProjection()
	return ref, nil
}

// Resolution is a fully followed symbolic chain: every name visited in
// order, then the terminal object id.
type Resolution struct {
	Chain []plumbing.ReferenceName
	Hash  plumbing.Hash
}

// Name returns the final, direct reference name of the chain.
func (r *Resolution) Name() plumbing.ReferenceName {
	if len(r.Chain) == 0 {
		return ""
	}
	return r.Chain[len(r.Chain)-1]
}

// Resolve follows symbolic references from name until a direct ref is
// reached. maxDepth bounds the number of symbolic hops; zero or negative
// selects DefaultMaxResolveDepth.
func (s *Store) Resolve(ctx context.Context, name plumbing.ReferenceName, maxDepth int) (*Resolution, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxResolveDepth
	}
	res := &Resolution{Chain: make([]plumbing.ReferenceName, 0, 2)}
	seen := make(map[plumbing.ReferenceName]bool)
	current := name
	for hop := 0; ; hop++ {
		if seen[current] {
			return nil, &ErrCircularReference{Name: current}
		}
		seen[current] = true
		res.Chain = append(res.Chain, current)
		ref, err := s.backend.FindReference(ctx, s.rid, current)
		if err != nil {
			return nil, err
		}
		if ref.Kind == database.DirectRef {
			res.Hash = plumbing.NewHash(ref.Target)
			return res, nil
		}
		if hop+1 > maxDepth {
			return nil, &ErrMaxDepth{Name: name, Depth: maxDepth}
		}
		current = plumbing.ReferenceName(ref.Target)
	}
}

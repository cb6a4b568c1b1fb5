// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
)

// QuarantineDB stages the objects of one incoming push in a throwaway
// directory beside the repository. Reads see the staged objects layered
// over the repository proper, so hooks and connectivity checks can
// inspect history that does not officially exist yet. Promote moves
// everything into the hot tier once the push is accepted; a rejected
// push discards the directory and the repository never changes.
type QuarantineDB struct {
	o     *ODB
	dir   string
	stage *hotStore

	mu    sync.Mutex
	order []plumbing.Hash
	known map[plumbing.Hash]plumbing.ObjectType
}

var (
	_ Storer = &QuarantineDB{}
)

func NewQuarantineDB(o *ODB, quarantineDir string) (*QuarantineDB, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return nil, err
	}
	return &QuarantineDB{
		o:     o,
		dir:   quarantineDir,
		stage: newHotStore(quarantineDir),
		known: make(map[plumbing.Hash]plumbing.ObjectType),
	}, nil
}

// Close drops whatever is still staged. After a successful Promote the
// directory is already empty and this only removes it.
func (q *QuarantineDB) Close() error {
	return q.Discard()
}

func (q *QuarantineDB) Discard() error {
	q.mu.Lock()
	q.order = nil
	q.known = make(map[plumbing.Hash]plumbing.ObjectType)
	q.mu.Unlock()
	return os.RemoveAll(q.dir)
}

// Staged reports how many objects await promotion.
func (q *QuarantineDB) Staged() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *QuarantineDB) isolated(oid plumbing.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.known[oid]
	return ok
}

// IsStaged reports whether oid arrived with the current push rather
// than from the repository proper.
func (q *QuarantineDB) IsStaged(oid plumbing.Hash) bool {
	return q.isolated(oid)
}

// PutObject stages one unpacked object. Objects the repository already
// holds are not staged again.
func (q *QuarantineDB) PutObject(ctx context.Context, t plumbing.ObjectType, data []byte) (plumbing.Hash, error) {
	oid := plumbing.HashObject(t, data)
	if q.isolated(oid) {
		return oid, nil
	}
	if ok, err := q.o.Has(ctx, oid); err != nil {
		return plumbing.ZeroHash, err
	} else if ok {
		return oid, nil
	}
	if err := q.stage.Put(ctx, oid, frameObject(t, data)); err != nil {
		return plumbing.ZeroHash, err
	}
	q.mu.Lock()
	if _, ok := q.known[oid]; !ok {
		q.known[oid] = t
		q.order = append(q.order, oid)
	}
	q.mu.Unlock()
	return oid, nil
}

// GetObject reads staged objects first and falls back to the
// repository, which is what lets thin packs resolve their bases.
func (q *QuarantineDB) GetObject(ctx context.Context, oid plumbing.Hash) (plumbing.ObjectType, []byte, error) {
	if q.isolated(oid) {
		payload, err := q.stage.Get(ctx, oid)
		if err == nil {
			return splitFrame(payload)
		}
		if !plumbing.IsNoSuchObject(err) {
			return 0, nil, err
		}
	}
	return q.o.GetObject(ctx, oid)
}

func (q *QuarantineDB) Has(ctx context.Context, oid plumbing.Hash) (bool, error) {
	if q.isolated(oid) {
		return true, nil
	}
	return q.o.Has(ctx, oid)
}

func (q *QuarantineDB) Exists(ctx context.Context, oid plumbing.Hash) error {
	ok, err := q.Has(ctx, oid)
	if err != nil {
		return err
	}
	if !ok {
		return plumbing.NoSuchObject(oid)
	}
	return nil
}

// Object parses a staged commit, tree or tag, falling back to the
// repository and its shared cache.
func (q *QuarantineDB) Object(ctx context.Context, oid plumbing.Hash) (any, error) {
	if !q.isolated(oid) {
		return q.o.Object(ctx, oid)
	}
	t, data, err := q.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	return object.Decode(object.NewReader(bytes.NewReader(data), oid, t))
}

func (q *QuarantineDB) Commit(ctx context.Context, oid plumbing.Hash) (*object.Commit, error) {
	a, err := q.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if cc, ok := a.(*object.Commit); ok {
		return cc, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "commit")
}

func (q *QuarantineDB) Tree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) {
	a, err := q.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t, ok := a.(*object.Tree); ok {
		return t, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "tree")
}

func (q *QuarantineDB) Tag(ctx context.Context, oid plumbing.Hash) (*object.Tag, error) {
	a, err := q.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t, ok := a.(*object.Tag); ok {
		return t, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "tag")
}

// ParseRev peels oid to a commit across the staged and stored layers.
func (q *QuarantineDB) ParseRev(ctx context.Context, oid plumbing.Hash) (*object.Commit, error) {
	return parseRev(ctx, q, oid)
}

// IsAncestor walks history that may span both layers.
func (q *QuarantineDB) IsAncestor(ctx context.Context, old, new plumbing.Hash) (bool, error) {
	return isAncestor(ctx, q, old, new)
}

// Promote moves the staged objects into the repository in arrival
// order and empties the quarantine. Lifecycle notifications fire here,
// not at staging time, so rejected pushes never surface events.
func (q *QuarantineDB) Promote(ctx context.Context) (int, error) {
	q.mu.Lock()
	order := q.order
	q.order = nil
	q.mu.Unlock()

	promoted := 0
	for _, oid := range order {
		payload, err := q.stage.Get(ctx, oid)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return promoted, err
		}
		t, data, err := splitFrame(payload)
		if err != nil {
			return promoted, err
		}
		if _, err := q.o.PutObject(ctx, t, data); err != nil {
			return promoted, err
		}
		_ = q.stage.Delete(ctx, oid)
		q.mu.Lock()
		delete(q.known, oid)
		q.mu.Unlock()
		promoted++
	}
	return promoted, nil
}

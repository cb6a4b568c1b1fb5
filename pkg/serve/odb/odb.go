// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"time"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
)

const (
	// maxCommitWalk bounds ancestry walks so a crafted history cannot
	// pin a worker on one request.
	maxCommitWalk = 10000

	defaultLRUObjects = 4096
	defaultLRUBytes   = 256 << 20
)

// Observer receives object lifecycle notifications. The server wires
// the change capture pipeline here; a nil observer turns them off.
type Observer interface {
	ObjectCreated(oid plumbing.Hash, kind plumbing.ObjectType, size int64)
	ObjectMigrated(oid plumbing.Hash, source, target Tier)
}

// ODB is one repository's object database: an LRU in front of the hot
// tier, the warm tier beside it and an optional cold bucket behind,
// with the location index recording where each object lives.
type ODB struct {
	rid      int64
	root     string
	tiers    [3]Backend
	index    *locationIndex
	tracker  *Tracker
	lru      *LRU
	cdb      CacheDB
	observer Observer
	migrator *Migrator
}

var (
	_ Storer = &ODB{}
)

// Storer mirrors the sink interface of the packfile parser so both the
// database itself and a quarantine staging area can receive unpacked
// objects.
type Storer interface {
	PutObject(ctx context.Context, t plumbing.ObjectType, data []byte) (plumbing.Hash, error)
	GetObject(ctx context.Context, oid plumbing.Hash) (plumbing.ObjectType, []byte, error)
}

type Option func(o *ODB)

// WithBucket enables the cold tier on the given bucket.
func WithBucket(bucket BucketClient) Option {
	return func(o *ODB) {
		if bucket != nil {
			o.tiers[TierCold] = newColdStore(bucket, o.rid)
		}
	}
}

// WithLRU overrides the in-memory cache bounds.
func WithLRU(maxObjects int, maxBytes int64, ttl time.Duration) Option {
	return func(o *ODB) {
		o.lru = NewLRU(maxObjects, maxBytes, ttl)
	}
}

// WithCacheDB shares a parsed-object cache across repositories.
func WithCacheDB(cdb CacheDB) Option {
	return func(o *ODB) {
		o.cdb = cdb
	}
}

func WithObserver(observer Observer) Option {
	return func(o *ODB) {
		o.observer = observer
	}
}

func NewODB(rid int64, root string, opts ...Option) (*ODB, error) {
	index, err := openLocationIndex(root)
	if err != nil {
		return nil, err
	}
	o := &ODB{
		rid:     rid,
		root:    root,
		index:   index,
		tracker: NewTracker(),
		lru:     NewLRU(defaultLRUObjects, defaultLRUBytes, 0),
	}
	o.tiers[TierHot] = newHotStore(root)
	o.tiers[TierWarm] = newWarmStore(root)
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *ODB) RID() int64 {
	return o.rid
}

func (o *ODB) Root() string {
	return o.root
}

func (o *ODB) Close() error {
	o.lru.Clear()
	return nil
}

// tier returns the backend for t, nil when the tier is not configured.
func (o *ODB) tier(t Tier) Backend {
	if int(t) >= len(o.tiers) {
		return nil
	}
	return o.tiers[t]
}

// load fetches the raw framed payload, trying the indexed tier first
// and falling through colder tiers to cover in-flight migrations, then
// hotter ones to cover rolled-back ones. A hit outside the recorded
// tier heals the index.
func (o *ODB) load(ctx context.Context, oid plumbing.Hash) ([]byte, error) {
	start := TierHot
	stated, indexed := o.index.Lookup(oid)
	if indexed {
		start = stated
	}
	began := time.Now()
	probe := func(t Tier) ([]byte, error) {
		b := o.tiers[t]
		if b == nil {
			return nil, plumbing.NoSuchObject(oid)
		}
		payload, err := b.Get(ctx, oid)
		if err != nil {
			return nil, err
		}
		o.tracker.RecordRead(oid, int64(len(payload)), time.Since(began))
		if !indexed || stated != t {
			_ = o.index.Assign(oid, t)
		}
		return payload, nil
	}
	for t := start; int(t) < len(o.tiers); t++ {
		payload, err := probe(t)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		return payload, err
	}
	for t := TierHot; t < start; t++ {
		payload, err := probe(t)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		return payload, err
	}
	return nil, plumbing.NoSuchObject(oid)
}

// GetObject returns the kind and inflated content of oid from the
// nearest tier holding it.
func (o *ODB) GetObject(ctx context.Context, oid plumbing.Hash) (plumbing.ObjectType, []byte, error) {
	if payload, ok := o.lru.Get(oid); ok {
		o.tracker.RecordRead(oid, int64(len(payload)), 0)
		return splitFrame(payload)
	}
	payload, err := o.load(ctx, oid)
	if err != nil {
		return 0, nil, err
	}
	o.lru.Set(oid, payload)
	return splitFrame(payload)
}

// putFramed lands a framed payload in the hot tier unless the store
// already owns the object somewhere. The store is content addressed,
// re-writing a known id never changes anything.
func (o *ODB) putFramed(ctx context.Context, oid plumbing.Hash, payload []byte) (bool, error) {
	if _, ok := o.index.Lookup(oid); ok {
		return false, nil
	}
	if err := o.tiers[TierHot].Put(ctx, oid, payload); err != nil {
		return false, err
	}
	if err := o.index.Assign(oid, TierHot); err != nil {
		return false, err
	}
	o.lru.Set(oid, payload)
	return true, nil
}

// PutObject writes one object into the hot tier and returns its id.
// Writing an object the store already holds is a no-op; a write racing
// an in-flight migration of the same id is queued and replayed once
// the migration settles.
func (o *ODB) PutObject(ctx context.Context, t plumbing.ObjectType, data []byte) (plumbing.Hash, error) {
	oid := plumbing.HashObject(t, data)
	if _, ok := o.index.Lookup(oid); ok {
		o.tracker.RecordWrite(oid)
		return oid, nil
	}
	payload := frameObject(t, data)
	if m := o.migrator; m != nil && m.deferPut(oid, payload) {
		o.tracker.RecordWrite(oid)
		return oid, nil
	}
	stored, err := o.putFramed(ctx, oid, payload)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	o.tracker.RecordWrite(oid)
	if stored && o.observer != nil {
		o.observer.ObjectCreated(oid, t, int64(len(data)))
	}
	return oid, nil
}

func (o *ODB) Has(ctx context.Context, oid plumbing.Hash) (bool, error) {
	if _, ok := o.lru.Peek(oid); ok {
		return true, nil
	}
	if _, ok := o.index.Lookup(oid); ok {
		return true, nil
	}
	for _, b := range o.tiers {
		if b == nil {
			continue
		}
		ok, err := b.Has(ctx, oid)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Exists verifies oid names a stored object, reporting the miss as
// plumbing.NoSuchObject.
func (o *ODB) Exists(ctx context.Context, oid plumbing.Hash) error {
	ok, err := o.Has(ctx, oid)
	if err != nil {
		return err
	}
	if !ok {
		return plumbing.NoSuchObject(oid)
	}
	return nil
}

// Object returns the parsed form of a commit, tree or tag, consulting
// the shared cache first.
func (o *ODB) Object(ctx context.Context, oid plumbing.Hash) (any, error) {
	if o.cdb != nil {
		if a, err := o.cdb.Object(ctx, o.rid, oid); err == nil {
			return a, nil
		}
	}
	t, data, err := o.GetObject(ctx, oid)
	if err != nil {
		return nil, err
	}
	a, err := object.Decode(object.NewReader(bytes.NewReader(data), oid, t))
	if err != nil {
		return nil, err
	}
	if o.cdb != nil {
		_ = o.cdb.Store(ctx, o.rid, a)
	}
	return a, nil
}

func (o *ODB) Commit(ctx context.Context, oid plumbing.Hash) (*object.Commit, error) {
	if o.cdb != nil {
		if cc, err := o.cdb.Commit(ctx, o.rid, oid); err == nil {
			return cc, nil
		}
	}
	a, err := o.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if cc, ok := a.(*object.Commit); ok {
		return cc, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "commit")
}

func (o *ODB) Tree(ctx context.Context, oid plumbing.Hash) (*object.Tree, error) {
	if o.cdb != nil {
		if t, err := o.cdb.Tree(ctx, o.rid, oid); err == nil {
			return t, nil
		}
	}
	a, err := o.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t, ok := a.(*object.Tree); ok {
		return t, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "tree")
}

func (o *ODB) Tag(ctx context.Context, oid plumbing.Hash) (*object.Tag, error) {
	if o.cdb != nil {
		if t, err := o.cdb.Tag(ctx, o.rid, oid); err == nil {
			return t, nil
		}
	}
	a, err := o.Object(ctx, oid)
	if err != nil {
		return nil, err
	}
	if t, ok := a.(*object.Tag); ok {
		return t, nil
	}
	return nil, NewErrMismatchedObjectType(oid, "tag")
}

// ParseRev peels oid through annotated tags until it lands on a commit.
func (o *ODB) ParseRev(ctx context.Context, oid plumbing.Hash) (*object.Commit, error) {
	return parseRev(ctx, o, oid)
}

// IsAncestor reports whether old is reachable from new, walking first
// parents and merges alike with a bounded frontier.
func (o *ODB) IsAncestor(ctx context.Context, old, new plumbing.Hash) (bool, error) {
	return isAncestor(ctx, o, old, new)
}

// Tracker exposes the access statistics the migration policy reads.
func (o *ODB) Tracker() *Tracker {
	return o.tracker
}

// CacheStats reports the in-memory LRU counters.
func (o *ODB) CacheStats() LRUStats {
	return o.lru.Stats()
}

// commitSource is the narrow read surface ancestry helpers need; both
// the database and a quarantine staging view provide it.
type commitSource interface {
	Commit(ctx context.Context, oid plumbing.Hash) (*object.Commit, error)
	Object(ctx context.Context, oid plumbing.Hash) (any, error)
}

func parseRev(ctx context.Context, src commitSource, oid plumbing.Hash) (*object.Commit, error) {
	for range 10 {
		a, err := src.Object(ctx, oid)
		if err != nil {
			return nil, err
		}
		switch v := a.(type) {
		case *object.Commit:
			return v, nil
		case *object.Tag:
			oid = v.Object
		default:
			return nil, NewErrMismatchedObjectType(oid, "commit")
		}
	}
	return nil, NewErrMismatchedObjectType(oid, "commit")
}

func isAncestor(ctx context.Context, src commitSource, old, new plumbing.Hash) (bool, error) {
	if old == new {
		return true, nil
	}
	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{new}
	for walked := 0; len(queue) > 0; walked++ {
		if walked >= maxCommitWalk {
			return false, nil
		}
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		seen[oid] = true
		if oid == old {
			return true, nil
		}
		cc, err := src.Commit(ctx, oid)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		for _, parent := range cc.Parents {
			if parent == old {
				return true, nil
			}
			if !seen[parent] {
				queue = append(queue, parent)
			}
		}
	}
	return false, nil
}

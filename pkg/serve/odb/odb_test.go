// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
)

type recordedEvents struct {
	mu       sync.Mutex
	created  []plumbing.Hash
	migrated []string
}

func (r *recordedEvents) ObjectCreated(oid plumbing.Hash, kind plumbing.ObjectType, size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, oid)
}

func (r *recordedEvents) ObjectMigrated(oid plumbing.Hash, source, target Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrated = append(r.migrated, source.String()+">"+target.String())
}

func (r *recordedEvents) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func newTestODB(t *testing.T, opts ...Option) *ODB {
	t.Helper()
	o, err := NewODB(42, t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func putBlob(t *testing.T, s Storer, content string) plumbing.Hash {
	t.Helper()
	oid, err := s.PutObject(context.Background(), plumbing.BlobObject, []byte(content))
	require.NoError(t, err)
	return oid
}

var testWhen = time.Unix(1700000000, 0).UTC()

func putCommit(t *testing.T, s Storer, tree plumbing.Hash, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	sig := object.Signature{Name: "tester", Email: "tester@keel.dev", When: testWhen}
	cc := &object.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    sig,
		Committer: sig,
		Message:   "snapshot\n",
	}
	var buf bytes.Buffer
	require.NoError(t, cc.Encode(&buf))
	oid, err := s.PutObject(context.Background(), plumbing.CommitObject, buf.Bytes())
	require.NoError(t, err)
	return oid
}

func putEmptyTree(t *testing.T, s Storer) plumbing.Hash {
	t.Helper()
	oid, err := s.PutObject(context.Background(), plumbing.TreeObject, nil)
	require.NoError(t, err)
	return oid
}

func TestODBPutGet(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	oid := putBlob(t, o, "hello tiered world")
	assert.Equal(t, plumbing.HashObject(plumbing.BlobObject, []byte("hello tiered world")), oid)

	kind, data, err := o.GetObject(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, kind)
	assert.Equal(t, []byte("hello tiered world"), data)

	ok, err := o.Has(ctx, oid)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, o.Exists(ctx, oid))

	_, _, err = o.GetObject(ctx, testOID(0x99))
	assert.True(t, plumbing.IsNoSuchObject(err))
	assert.True(t, plumbing.IsNoSuchObject(o.Exists(ctx, testOID(0x99))))
}

func TestODBPutDedup(t *testing.T) {
	events := &recordedEvents{}
	o := newTestODB(t, WithObserver(events))

	first := putBlob(t, o, "same bytes")
	second := putBlob(t, o, "same bytes")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, events.createdCount())
}

func TestODBReopenIndex(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	o, err := NewODB(7, root)
	require.NoError(t, err)
	oid := putBlob(t, o, "persisted across restarts")
	require.NoError(t, o.Close())

	_, err = os.Stat(filepath.Join(root, indexSidecar))
	require.NoError(t, err)

	reopened, err := NewODB(7, root)
	require.NoError(t, err)
	defer reopened.Close()

	tier, ok := reopened.index.Lookup(oid)
	require.True(t, ok)
	assert.Equal(t, TierHot, tier)

	kind, data, err := reopened.GetObject(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, kind)
	assert.Equal(t, []byte("persisted across restarts"), data)
}

func TestODBIndexHeals(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)
	oid := putBlob(t, o, "wanderer")

	// simulate a stale sidecar claiming the object went warm
	require.NoError(t, o.index.Assign(oid, TierWarm))
	o.lru.Clear()

	_, data, err := o.GetObject(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, []byte("wanderer"), data)

	tier, ok := o.index.Lookup(oid)
	require.True(t, ok)
	assert.Equal(t, TierHot, tier)
}

func TestODBParsedObjects(t *testing.T) {
	ctx := context.Background()
	cdb, err := NewCacheDB(1e4, 1, 64)
	require.NoError(t, err)
	o := newTestODB(t, WithCacheDB(cdb))

	tree := putEmptyTree(t, o)
	c1 := putCommit(t, o, tree)
	c2 := putCommit(t, o, tree, c1)

	cc, err := o.Commit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, c2, cc.Hash)
	require.Len(t, cc.Parents, 1)
	assert.Equal(t, c1, cc.Parents[0])
	assert.Equal(t, tree, cc.Tree)

	tt, err := o.Tree(ctx, tree)
	require.NoError(t, err)
	assert.Empty(t, tt.Entries)

	// a tree is not a commit
	_, err = o.Commit(ctx, tree)
	assert.True(t, IsErrMismatchedObjectType(err))

	// served again from the parsed cache
	again, err := o.Commit(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, cc.Hash, again.Hash)
}

func TestODBParseRevPeelsTags(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	tree := putEmptyTree(t, o)
	tip := putCommit(t, o, tree)

	tag := &object.Tag{
		Object:     tip,
		ObjectType: plumbing.CommitObject,
		Name:       "v1.0.0",
		Tagger:     object.Signature{Name: "tester", Email: "tester@keel.dev", When: testWhen},
		Content:    "release\n",
	}
	var buf bytes.Buffer
	require.NoError(t, tag.Encode(&buf))
	tagOID, err := o.PutObject(ctx, plumbing.TagObject, buf.Bytes())
	require.NoError(t, err)

	cc, err := o.ParseRev(ctx, tagOID)
	require.NoError(t, err)
	assert.Equal(t, tip, cc.Hash)

	parsed, err := o.Tag(ctx, tagOID)
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", parsed.Name)
}

func TestODBIsAncestor(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	tree := putEmptyTree(t, o)
	c1 := putCommit(t, o, tree)
	c2 := putCommit(t, o, tree, c1)
	c3 := putCommit(t, o, tree, c2)
	orphan := putCommit(t, o, tree)

	ok, err := o.IsAncestor(ctx, c1, c3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.IsAncestor(ctx, c3, c1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = o.IsAncestor(ctx, c2, c2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = o.IsAncestor(ctx, orphan, c3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuarantinePromote(t *testing.T) {
	ctx := context.Background()
	events := &recordedEvents{}
	o := newTestODB(t, WithObserver(events))

	q, err := NewQuarantineDB(o, filepath.Join(o.Root(), "incoming-1"))
	require.NoError(t, err)
	defer q.Close()

	blob := putBlob(t, q, "quarantined payload")
	tree := putEmptyTree(t, q)
	tip := putCommit(t, q, tree)
	assert.Equal(t, 3, q.Staged())

	// nothing leaked into the repository, no events fired
	ok, err := o.Has(ctx, blob)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, events.createdCount())

	// but the staged view serves reads
	kind, data, err := q.GetObject(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, kind)
	assert.Equal(t, []byte("quarantined payload"), data)

	cc, err := q.Commit(ctx, tip)
	require.NoError(t, err)
	assert.Equal(t, tip, cc.Hash)

	promoted, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, promoted)
	assert.Equal(t, 3, events.createdCount())

	require.NoError(t, o.Exists(ctx, blob))
	require.NoError(t, o.Exists(ctx, tip))
}

func TestQuarantineDiscard(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)
	dir := filepath.Join(o.Root(), "incoming-2")

	q, err := NewQuarantineDB(o, dir)
	require.NoError(t, err)

	blob := putBlob(t, q, "rejected bytes")
	require.NoError(t, q.Discard())

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))
	assert.True(t, plumbing.IsNoSuchObject(o.Exists(ctx, blob)))
}

func TestQuarantineLayersOverRepository(t *testing.T) {
	ctx := context.Background()
	o := newTestODB(t)

	tree := putEmptyTree(t, o)
	base := putCommit(t, o, tree)

	q, err := NewQuarantineDB(o, filepath.Join(o.Root(), "incoming-3"))
	require.NoError(t, err)
	defer q.Close()

	// history spanning the staged layer and the repository
	tip := putCommit(t, q, tree, base)

	ok, err := q.IsAncestor(ctx, base, tip)
	require.NoError(t, err)
	assert.True(t, ok)

	// objects the repository already holds are not staged twice
	again := putCommit(t, q, tree, base)
	assert.Equal(t, tip, again)
	assert.Equal(t, 1, q.Staged())

	kind, _, err := q.GetObject(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, plumbing.CommitObject, kind)
}

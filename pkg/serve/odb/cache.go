// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/object"
)

func cacheKey(rid int64, oid plumbing.Hash) string {
	return fmt.Sprintf("%d/%s", rid, oid)
}

// CacheDB keeps parsed commits, trees and tags in memory so that ref
// advertisement and reachability walks do not hit the tiered store for
// every hop. One cache is shared across all open repositories, keys are
// namespaced by repository id.
type CacheDB interface {
	Object(ctx context.Context, rid int64, oid plumbing.Hash) (any, error)
	Commit(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Commit, error)
	Tree(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Tree, error)
	Tag(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Tag, error)
	Store(ctx context.Context, rid int64, a any) error
	Exist(rid int64, oid plumbing.Hash) bool
}

type cacheDB struct {
	*ristretto.Cache[string, any]
}

func NewCacheDB(numCounters int64, maxCost int64, bufferItems int64) (CacheDB, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: numCounters,
		MaxCost:     maxCost << 30,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("unable initialize memory cache, error: %w", err)
	}
	return &cacheDB{Cache: c}, nil
}

func (d *cacheDB) Object(ctx context.Context, rid int64, oid plumbing.Hash) (any, error) {
	if o, ok := d.Get(cacheKey(rid, oid)); ok {
		return o, nil
	}
	return nil, plumbing.NoSuchObject(oid)
}

func (d *cacheDB) Commit(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Commit, error) {
	if o, ok := d.Get(cacheKey(rid, oid)); ok {
		if c, ok := o.(*object.Commit); ok {
			return c, nil
		}
	}
	return nil, plumbing.NoSuchObject(oid)
}

func (d *cacheDB) Tree(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Tree, error) {
	if o, ok := d.Get(cacheKey(rid, oid)); ok {
		if t, ok := o.(*object.Tree); ok {
			return t, nil
		}
	}
	return nil, plumbing.NoSuchObject(oid)
}

func (d *cacheDB) Tag(ctx context.Context, rid int64, oid plumbing.Hash) (*object.Tag, error) {
	if o, ok := d.Get(cacheKey(rid, oid)); ok {
		if t, ok := o.(*object.Tag); ok {
			return t, nil
		}
	}
	return nil, plumbing.NoSuchObject(oid)
}

var (
	ErrUncacheableObject = errors.New("uncacheable object")
)

func (d *cacheDB) Store(ctx context.Context, rid int64, a any) error {
	switch v := a.(type) {
	case *object.Commit:
		_ = d.Set(cacheKey(rid, v.Hash), v, 1)
	case *object.Tree:
		d.SetWithTTL(cacheKey(rid, v.Hash), v, 1, time.Hour*24)
	case *object.Tag:
		_ = d.Set(cacheKey(rid, v.Hash), v, 1)
	default:
		return ErrUncacheableObject
	}
	return nil
}

func (d *cacheDB) Exist(rid int64, oid plumbing.Hash) bool {
	_, ok := d.Get(cacheKey(rid, oid))
	return ok
}

// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package odb implements the tiered object database behind every hosted
// repository: a hot tier of loose files on local disk, a warm tier of
// zstd compressed payloads and an optional cold tier in a remote
// bucket, glued together by a location index, an access tracker and an
// in-memory LRU.
package odb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/keelscm/keel/modules/plumbing"
)

// Tier names one storage level of the object database.
type Tier uint8

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

var tierNames = [...]string{"hot", "warm", "cold"}

func (t Tier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return "unknown"
}

var ErrUnknownTier = errors.New("unknown storage tier")

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("%w: '%s'", ErrUnknownTier, s)
}

// Backend stores canonical loose payloads, "<kind> <size>\x00" followed
// by the content bytes, keyed by object id. Get reports missing ids
// with plumbing.NoSuchObject; Delete of a missing id is not an error.
type Backend interface {
	Get(ctx context.Context, oid plumbing.Hash) ([]byte, error)
	Put(ctx context.Context, oid plumbing.Hash, payload []byte) error
	Delete(ctx context.Context, oid plumbing.Hash) error
	Has(ctx context.Context, oid plumbing.Hash) (bool, error)
	// List visits every stored object with its stored size. A non-nil
	// error from fn stops the walk and is returned as is.
	List(ctx context.Context, fn func(oid plumbing.Hash, size int64) error) error
}

var ErrCorruptObject = errors.New("corrupt object payload")

type ErrMismatchedObjectType struct {
	oid plumbing.Hash
	t   string
}

func (e *ErrMismatchedObjectType) Error() string {
	return fmt.Sprintf("object %s not %s", e.oid, e.t)
}

func IsErrMismatchedObjectType(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*ErrMismatchedObjectType)
	return ok
}

func NewErrMismatchedObjectType(oid plumbing.Hash, t string) error {
	return &ErrMismatchedObjectType{oid: oid, t: t}
}

// frameObject renders the canonical loose representation of an object.
// Hashing the frame with SHA-1 yields the object id.
func frameObject(t plumbing.ObjectType, data []byte) []byte {
	header := make([]byte, 0, 32)
	header = append(header, t.Bytes()...)
	header = append(header, ' ')
	header = strconv.AppendInt(header, int64(len(data)), 10)
	header = append(header, 0)
	payload := make([]byte, 0, len(header)+len(data))
	payload = append(payload, header...)
	return append(payload, data...)
}

// splitFrame undoes frameObject. The declared size must match the
// content exactly, a truncated payload never round-trips silently.
func splitFrame(payload []byte) (plumbing.ObjectType, []byte, error) {
	nul := bytes.IndexByte(payload, 0)
	if nul < 0 {
		return 0, nil, fmt.Errorf("%w: missing header", ErrCorruptObject)
	}
	header := payload[:nul]
	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return 0, nil, fmt.Errorf("%w: malformed header", ErrCorruptObject)
	}
	t, err := plumbing.ParseObjectType(string(header[:sp]))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	size, err := strconv.ParseInt(string(header[sp+1:]), 10, 64)
	if err != nil || size < 0 {
		return 0, nil, fmt.Errorf("%w: bad size in header", ErrCorruptObject)
	}
	body := payload[nul+1:]
	if int64(len(body)) != size {
		return 0, nil, fmt.Errorf("%w: header declares %d bytes, payload carries %d", ErrCorruptObject, size, len(body))
	}
	return t, body, nil
}

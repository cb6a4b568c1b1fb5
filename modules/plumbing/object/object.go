// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package object parses and encodes the structured git object kinds:
// commits, trees and annotated tags. Blob payloads are opaque to a
// hosting server and stay byte streams in the object database.
package object

import (
	"bytes"
	"errors"
	"io"

	"github.com/keelscm/keel/modules/plumbing"
)

var (
	ErrUnsupportedObject = errors.New("unsupported object type")
)

// Reader hands an object's inflated content to a decoder together with
// the identity and type the object database resolved for it.
type Reader interface {
	io.Reader
	Hash() plumbing.Hash
	Type() plumbing.ObjectType
}

type reader struct {
	io.Reader
	hash       plumbing.Hash
	objectType plumbing.ObjectType
}

func (r *reader) Hash() plumbing.Hash {
	return r.hash
}

func (r *reader) Type() plumbing.ObjectType {
	return r.objectType
}

func NewReader(r io.Reader, oid plumbing.Hash, t plumbing.ObjectType) Reader {
	return &reader{Reader: r, hash: oid, objectType: t}
}

// Decode parses the uncompressed content of a commit, tree or tag.
func Decode(r Reader) (any, error) {
	switch r.Type() {
	case plumbing.CommitObject:
		c := &Commit{}
		err := c.Decode(r)
		return c, err
	case plumbing.TreeObject:
		t := &Tree{}
		err := t.Decode(r)
		return t, err
	case plumbing.TagObject:
		t := &Tag{}
		err := t.Decode(r)
		return t, err
	}
	return nil, ErrUnsupportedObject
}

// DecodeAs parses a single object held fully in memory and requires it
// to be of the given concrete kind.
func DecodeAs[T Commit | Tree | Tag](data []byte, oid plumbing.Hash, t plumbing.ObjectType) (*T, error) {
	a, err := Decode(NewReader(bytes.NewReader(data), oid, t))
	if err != nil {
		return nil, err
	}
	if v, ok := a.(*T); ok {
		return v, nil
	}
	return nil, ErrUnsupportedObject
}

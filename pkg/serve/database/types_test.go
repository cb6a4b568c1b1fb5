// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package database

import (
	"testing"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandKind(t *testing.T) {
	create := &Command{
		ReferenceName: "refs/heads/dev",
		OldRev:        plumbing.ZERO_OID,
		NewRev:        "9d2ea68c91932a64f157e8ba2b484ad1e0cbeff5",
	}
	assert.True(t, create.IsCreate())
	assert.False(t, create.IsDelete())

	remove := &Command{
		ReferenceName: "refs/heads/dev",
		OldRev:        "9d2ea68c91932a64f157e8ba2b484ad1e0cbeff5",
		NewRev:        plumbing.ZERO_OID,
	}
	assert.False(t, remove.IsCreate())
	assert.True(t, remove.IsDelete())

	update := &Command{
		ReferenceName: "refs/heads/dev",
		OldRev:        "9d2ea68c91932a64f157e8ba2b484ad1e0cbeff5",
		NewRev:        "f3912b0bfbb34f0f4a609a1b4d87a00f4c0b9df3",
	}
	assert.False(t, update.IsCreate())
	assert.False(t, update.IsDelete())
}

func TestReferenceUnwrap(t *testing.T) {
	direct := &Reference{
		Name:   "refs/heads/main",
		Target: "9d2ea68c91932a64f157e8ba2b484ad1e0cbeff5",
		Kind:   DirectRef,
	}
	ref := direct.Unwrap()
	require.Equal(t, plumbing.HashReference, ref.Type())
	assert.Equal(t, "9d2ea68c91932a64f157e8ba2b484ad1e0cbeff5", ref.Hash().String())

	symbolic := &Reference{
		Name:   plumbing.HEAD,
		Target: "refs/heads/main",
		Kind:   SymbolicRef,
	}
	ref = symbolic.Unwrap()
	require.Equal(t, plumbing.SymbolicReference, ref.Type())
	assert.Equal(t, plumbing.ReferenceName("refs/heads/main"), ref.Target())
}

func TestAccessLevel(t *testing.T) {
	assert.False(t, NoneAccess.Readable())
	assert.True(t, ReporterAccess.Readable())
	assert.False(t, ReporterAccess.Writeable())
	assert.True(t, DevAccess.Writeable())
	assert.False(t, DevAccess.Sudo())
	assert.True(t, MasterAccess.Sudo())
	assert.True(t, OwnerAccess.Sudo())

	assert.Equal(t, "none", NoneAccess.String())
	assert.Equal(t, "reporter", ReporterAccess.String())
	assert.Equal(t, "developer", DevAccess.String())
	assert.Equal(t, "master", MasterAccess.String())
	assert.Equal(t, "owner", OwnerAccess.String())
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, "refs/heads/", escapeLike("refs/heads/"))
	assert.Equal(t, `a\%b`, escapeLike("a%b"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `a\\b`, escapeLike(`a\b`))
}

func TestValidateRepositoryRow(t *testing.T) {
	r := &Repository{Name: "demo", Path: "demo"}
	require.NoError(t, r.Validate())
	bad := &Repository{Name: "demo", Path: "de mo"}
	require.Error(t, bad.Validate())
}

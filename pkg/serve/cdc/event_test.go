// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

func TestNewRefEventClassification(t *testing.T) {
	created := NewRefEvent("keel/keel", 1, "refs/heads/main", plumbing.ZERO_OID, revA)
	require.Equal(t, RefCreated, created.Type)
	require.Equal(t, revA, created.SHA())

	updated := NewRefEvent("keel/keel", 1, "refs/heads/main", revA, revB)
	require.Equal(t, RefUpdated, updated.Type)
	require.Equal(t, revB, updated.SHA())

	deleted := NewRefEvent("keel/keel", 1, "refs/heads/main", revA, plumbing.ZERO_OID)
	require.Equal(t, RefDeleted, deleted.Type)
	require.Equal(t, revA, deleted.SHA())

	implicit := NewRefEvent("keel/keel", 1, "refs/heads/main", "", revB)
	require.Equal(t, RefCreated, implicit.Type)
}

func TestObjectEvents(t *testing.T) {
	oid := plumbing.NewHash(revA)
	created := NewObjectCreated("keel/keel", 1, oid, plumbing.BlobObject, 42)
	require.Equal(t, ObjectCreated, created.Type)
	require.Equal(t, revA, created.SHA())
	payload, ok := created.Payload.(ObjectPayload)
	require.True(t, ok)
	require.Equal(t, "blob", payload.Kind)
	require.EqualValues(t, 42, payload.Size)

	migrated := NewObjectMigrated("keel/keel", 1, oid, "hot", "cold")
	require.Equal(t, ObjectMigrated, migrated.Type)
	require.Equal(t, revA, migrated.SHA())
	move, ok := migrated.Payload.(MigratePayload)
	require.True(t, ok)
	require.Equal(t, "hot", move.Source)
	require.Equal(t, "cold", move.Target)
}

func TestEventSHAWithoutProvider(t *testing.T) {
	e := Event{Payload: map[string]any{"sha": revA}}
	require.Equal(t, "", e.SHA())
}

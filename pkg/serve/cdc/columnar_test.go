// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

func fixedEvents() []Event {
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	return []Event{
		{
			ID: "ev-1", Type: RefCreated, Source: "keel/keel", RID: 7,
			Timestamp: at, Sequence: 1, Version: SchemaVersion,
			Payload: RefPayload{Ref: "refs/heads/main", OldRev: plumbing.ZERO_OID, NewRev: revA},
		},
		{
			ID: "ev-2", Type: ObjectCreated, Source: "keel/keel", RID: 7,
			Timestamp: at.Add(time.Second), Sequence: 2, Version: SchemaVersion,
			Payload: ObjectPayload{SHA: revB, Kind: "blob", Size: 42},
		},
	}
}

func columnsByName(b *Batch) map[string]Column {
	byName := make(map[string]Column, len(b.Columns))
	for _, col := range b.Columns {
		byName[col.Name] = col
	}
	return byName
}

func TestTransformFixedSchema(t *testing.T) {
	events := fixedEvents()
	b, err := Transform(events, nil)
	require.NoError(t, err)
	require.Equal(t, 2, b.Rows)
	require.Len(t, b.Columns, 8)

	names := make([]string, 0, len(b.Columns))
	for _, col := range b.Columns {
		names = append(names, col.Name)
	}
	require.Equal(t, []string{"event_id", "event_type", "source", "timestamp", "sequence", "version", "payload_json", "sha"}, names)

	require.Equal(t, []string{"ev-1", "ev-2"}, b.Columns[0].Strings)
	require.Equal(t, []string{"REF_CREATED", "OBJECT_CREATED"}, b.Columns[1].Strings)
	require.Equal(t, KindInt64, b.Columns[3].Kind)
	require.Equal(t, []int64{events[0].Timestamp.UnixMilli(), events[1].Timestamp.UnixMilli()}, b.Columns[3].Ints)
	require.Equal(t, []int64{1, 2}, b.Columns[4].Ints)
	require.Equal(t, []string{revA, revB}, b.Columns[7].Strings)

	var ref RefPayload
	require.NoError(t, json.Unmarshal([]byte(b.Columns[6].Strings[0]), &ref))
	require.Equal(t, "refs/heads/main", ref.Ref)
	require.Equal(t, revA, ref.NewRev)
}

func TestTransformUserColumns(t *testing.T) {
	events := fixedEvents()
	events = append(events, Event{
		ID: "ev-3", Type: ObjectMigrated, Source: "keel/keel", RID: 7,
		Timestamp: events[1].Timestamp, Sequence: 3, Version: SchemaVersion,
		Payload: map[string]any{"flag": true, "tags": []string{"a", "b"}},
	})
	b, err := Transform(events, []string{"ref", "size", "flag", "tags", "missing"})
	require.NoError(t, err)
	require.Len(t, b.Columns, 13)

	byName := columnsByName(b)
	require.Equal(t, []string{"refs/heads/main", "", ""}, byName["ref"].Strings)
	require.Equal(t, []string{"", "42", ""}, byName["size"].Strings)
	require.Equal(t, []string{"", "", "true"}, byName["flag"].Strings)
	require.Equal(t, []string{"", "", `["a","b"]`}, byName["tags"].Strings)
	require.Equal(t, []string{"", "", ""}, byName["missing"].Strings)
}

func TestTransformRejectsUnencodablePayload(t *testing.T) {
	_, err := Transform([]Event{{ID: "bad", Payload: make(chan int)}}, nil)
	require.Error(t, err)
}

func TestBatchEncodeDecode(t *testing.T) {
	b, err := Transform(fixedEvents(), []string{"ref"})
	require.NoError(t, err)
	decoded, err := decodeBatch(b.encode())
	require.NoError(t, err)
	require.Equal(t, b, decoded)
}

func TestBatchEncodeDecodeEmpty(t *testing.T) {
	b, err := Transform(nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, b.Rows)
	decoded, err := decodeBatch(b.encode())
	require.NoError(t, err)
	require.Equal(t, b, decoded)
}

func TestDecodeBatchErrors(t *testing.T) {
	b, err := Transform(fixedEvents(), nil)
	require.NoError(t, err)
	raw := b.encode()

	_, err = decodeBatch(raw[:len(raw)/2])
	require.ErrorContains(t, err, "truncated")

	_, err = decodeBatch(append(append([]byte{}, raw...), 0xFF))
	require.ErrorContains(t, err, "trailing")

	var bad []byte
	bad = binary.LittleEndian.AppendUint32(bad, 1)
	bad = binary.LittleEndian.AppendUint32(bad, 1)
	bad = binary.LittleEndian.AppendUint16(bad, 1)
	bad = append(bad, 'x')
	bad = append(bad, 9)
	_, err = decodeBatch(bad)
	require.ErrorContains(t, err, "unknown column kind")
}

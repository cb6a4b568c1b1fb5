// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
)

// The fixed schema every batch carries, in column order. Configured
// user columns follow, projected from top-level payload JSON fields.
var fixedColumns = []string{
	"event_id", "event_type", "source", "timestamp", "sequence", "version", "payload_json", "sha",
}

type ColumnKind uint8

const (
	KindString ColumnKind = iota
	KindInt64
)

// Column is one named, homogeneously typed value vector. Exactly one
// of Strings and Ints is populated, per Kind.
type Column struct {
	Name    string
	Kind    ColumnKind
	Strings []string
	Ints    []int64
}

// Batch is the column-oriented form of a run of events.
type Batch struct {
	Rows    int
	Columns []Column
}

// Transform pivots events into a batch: the fixed schema first, then
// one string column per configured user column, filled from the
// event's top-level payload JSON field of the same name (missing
// fields yield empty strings).
func Transform(events []Event, userColumns []string) (*Batch, error) {
	n := len(events)
	ids := make([]string, n)
	types := make([]string, n)
	sources := make([]string, n)
	timestamps := make([]int64, n)
	sequences := make([]int64, n)
	versions := make([]string, n)
	payloads := make([]string, n)
	shas := make([]string, n)
	user := make([][]string, len(userColumns))
	for i := range user {
		user[i] = make([]string, n)
	}

	for i := range events {
		e := &events[i]
		ids[i] = e.ID
		types[i] = string(e.Type)
		sources[i] = e.Source
		timestamps[i] = e.Timestamp.UnixMilli()
		sequences[i] = int64(e.Sequence)
		versions[i] = e.Version
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("cdc: encode payload of %s: %w", e.ID, err)
		}
		payloads[i] = string(encoded)
		shas[i] = e.SHA()
		if len(userColumns) > 0 {
			fields := make(map[string]any)
			// Projection works off the serialized form so user columns
			// and payload_json can never disagree.
			_ = json.Unmarshal(encoded, &fields)
			for j, name := range userColumns {
				user[j][i] = stringifyField(fields[name])
			}
		}
	}

	b := &Batch{
		Rows: n,
		Columns: []Column{
			{Name: "event_id", Kind: KindString, Strings: ids},
			{Name: "event_type", Kind: KindString, Strings: types},
			{Name: "source", Kind: KindString, Strings: sources},
			{Name: "timestamp", Kind: KindInt64, Ints: timestamps},
			{Name: "sequence", Kind: KindInt64, Ints: sequences},
			{Name: "version", Kind: KindString, Strings: versions},
			{Name: "payload_json", Kind: KindString, Strings: payloads},
			{Name: "sha", Kind: KindString, Strings: shas},
		},
	}
	for j, name := range userColumns {
		b.Columns = append(b.Columns, Column{Name: name, Kind: KindString, Strings: user[j]})
	}
	return b, nil
}

func stringifyField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		encoded, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// encode lays the batch out little-endian: row and column counts, then
// per column a length-prefixed name, the kind byte, and the value
// vector (strings length-prefixed, ints 8 bytes).
func (b *Batch) encode() []byte {
	out := make([]byte, 0, 64*b.Rows)
	out = binary.LittleEndian.AppendUint32(out, uint32(b.Rows))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.Columns)))
	for i := range b.Columns {
		col := &b.Columns[i]
		out = binary.LittleEndian.AppendUint16(out, uint16(len(col.Name)))
		out = append(out, col.Name...)
		out = append(out, byte(col.Kind))
		switch col.Kind {
		case KindInt64:
			for _, v := range col.Ints {
				out = binary.LittleEndian.AppendUint64(out, uint64(v))
			}
		default:
			for _, s := range col.Strings {
				out = binary.LittleEndian.AppendUint32(out, uint32(len(s)))
				out = append(out, s...)
			}
		}
	}
	return out
}

// decodeBatch is encode's inverse, used by batch consumers and tests.
func decodeBatch(data []byte) (*Batch, error) {
	r := batchReader{data: data}
	rows, err := r.uint32()
	if err != nil {
		return nil, err
	}
	cols, err := r.uint32()
	if err != nil {
		return nil, err
	}
	b := &Batch{Rows: int(rows), Columns: make([]Column, 0, cols)}
	for c := uint32(0); c < cols; c++ {
		nameLen, err := r.uint16()
		if err != nil {
			return nil, err
		}
		name, err := r.take(int(nameLen))
		if err != nil {
			return nil, err
		}
		kindByte, err := r.take(1)
		if err != nil {
			return nil, err
		}
		col := Column{Name: string(name), Kind: ColumnKind(kindByte[0])}
		switch col.Kind {
		case KindInt64:
			col.Ints = make([]int64, rows)
			for i := range col.Ints {
				v, err := r.uint64()
				if err != nil {
					return nil, err
				}
				col.Ints[i] = int64(v)
			}
		case KindString:
			col.Strings = make([]string, rows)
			for i := range col.Strings {
				sz, err := r.uint32()
				if err != nil {
					return nil, err
				}
				s, err := r.take(int(sz))
				if err != nil {
					return nil, err
				}
				col.Strings[i] = string(s)
			}
		default:
			return nil, fmt.Errorf("cdc: unknown column kind %d", col.Kind)
		}
		b.Columns = append(b.Columns, col)
	}
	if r.off != len(r.data) {
		return nil, fmt.Errorf("cdc: %d trailing bytes after batch", len(r.data)-r.off)
	}
	return b, nil
}

type batchReader struct {
	data []byte
	off  int
}

func (r *batchReader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("cdc: truncated batch at offset %d", r.off)
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *batchReader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *batchReader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *batchReader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

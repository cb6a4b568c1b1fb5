// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cdc captures object and ref mutations as typed events and
// ships them downstream as compressed columnar batches. The pipeline is
// capture → batch → transform → serialize → sink, with retry and a
// dead-letter hatch so a slow or broken sink never loses events
// silently.
package cdc

import (
	"time"

	"github.com/keelscm/keel/modules/plumbing"
)

type EventType string

const (
	ObjectCreated  EventType = "OBJECT_CREATED"
	RefCreated     EventType = "REF_CREATED"
	RefUpdated     EventType = "REF_UPDATED"
	RefDeleted     EventType = "REF_DELETED"
	ObjectMigrated EventType = "OBJECT_MIGRATED"
)

// SchemaVersion stamps every event so downstream consumers can evolve.
const SchemaVersion = "1"

// Event is one captured mutation. Source names the repository the
// human way ("ns/name"); RID routes batches into per-repository files
// and is not part of the columnar schema.
type Event struct {
	ID        string
	Type      EventType
	Source    string
	RID       int64
	Timestamp time.Time
	Sequence  uint64
	Version   string
	Payload   any
}

// shaProvider lets the transformer lift the subject object id into the
// dedicated sha column without guessing at payload shapes.
type shaProvider interface {
	EventSHA() string
}

// SHA returns the object id this event is about, or "".
func (e *Event) SHA() string {
	if p, ok := e.Payload.(shaProvider); ok {
		return p.EventSHA()
	}
	return ""
}

// ObjectPayload describes a stored object (creation).
type ObjectPayload struct {
	SHA  string `json:"sha"`
	Kind string `json:"kind"`
	Size int64  `json:"size"`
}

func (p ObjectPayload) EventSHA() string { return p.SHA }

// RefPayload describes a ref mutation. The zero oid marks absence on
// the respective side, same as the wire commands.
type RefPayload struct {
	Ref    string `json:"ref"`
	OldRev string `json:"old_rev"`
	NewRev string `json:"new_rev"`
}

func (p RefPayload) EventSHA() string {
	if p.NewRev != "" && p.NewRev != plumbing.ZERO_OID {
		return p.NewRev
	}
	return p.OldRev
}

// MigratePayload describes an object moving between tiers.
type MigratePayload struct {
	SHA    string `json:"sha"`
	Source string `json:"source"`
	Target string `json:"target"`
}

func (p MigratePayload) EventSHA() string { return p.SHA }

// NewObjectCreated builds the event for a freshly stored object.
func NewObjectCreated(source string, rid int64, oid plumbing.Hash, kind plumbing.ObjectType, size int64) Event {
	return Event{
		Type:    ObjectCreated,
		Source:  source,
		RID:     rid,
		Payload: ObjectPayload{SHA: oid.String(), Kind: kind.String(), Size: size},
	}
}

// NewRefEvent classifies a committed ref mutation by the absence of its
// old and new targets.
func NewRefEvent(source string, rid int64, ref string, oldRev, newRev string) Event {
	const zero = plumbing.ZERO_OID
	t := RefUpdated
	switch {
	case oldRev == "" || oldRev == zero:
		t = RefCreated
	case newRev == "" || newRev == zero:
		t = RefDeleted
	}
	return Event{
		Type:    t,
		Source:  source,
		RID:     rid,
		Payload: RefPayload{Ref: ref, OldRev: oldRev, NewRev: newRev},
	}
}

// NewObjectMigrated builds the event for a completed tier migration.
func NewObjectMigrated(source string, rid int64, oid plumbing.Hash, from, to string) Event {
	return Event{
		Type:    ObjectMigrated,
		Source:  source,
		RID:     rid,
		Payload: MigratePayload{SHA: oid.String(), Source: from, Target: to},
	}
}

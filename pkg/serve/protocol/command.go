// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keelscm/keel/modules/plumbing"
)

var (
	ErrInvalidShaSyntax = errors.New("invalid sha syntax")
	ErrInvalidRefName   = errors.New("invalid ref name")
	ErrMalformedCommand = errors.New("malformed update command")
	ErrMalformedWant    = errors.New("malformed want line")
	ErrMalformedHave    = errors.New("malformed have line")
)

type Action string

const (
	Create Action = "create"
	Update Action = "update"
	Delete Action = "delete"
)

// Command is one receive-pack ref mutation: "<old> <new> <refname>".
// A zero old rev means create, a zero new rev means delete.
type Command struct {
	OldRev  plumbing.Hash
	NewRev  plumbing.Hash
	RefName plumbing.ReferenceName
}

func (c *Command) Action() Action {
	if c.OldRev.IsZero() {
		return Create
	}
	if c.NewRev.IsZero() {
		return Delete
	}
	return Update
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s %s", c.OldRev, c.NewRev, c.RefName)
}

func parseRev(s string) (plumbing.Hash, error) {
	if !plumbing.ValidateHashHex(s) {
		return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrInvalidShaSyntax, s)
	}
	return plumbing.NewHash(s), nil
}

// ParseCommand parses one command line, already stripped of the
// capability suffix. A trailing LF is optional.
func ParseCommand(payload string) (*Command, error) {
	payload = strings.TrimSuffix(payload, "\n")
	oldRev, rest, ok := strings.Cut(payload, " ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCommand, payload)
	}
	newRev, refname, ok := strings.Cut(rest, " ")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMalformedCommand, payload)
	}
	cmd := &Command{RefName: plumbing.ReferenceName(refname)}
	var err error
	if cmd.OldRev, err = parseRev(oldRev); err != nil {
		return nil, err
	}
	if cmd.NewRev, err = parseRev(newRev); err != nil {
		return nil, err
	}
	if !plumbing.ValidateFullReferenceName([]byte(refname)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRefName, refname)
	}
	return cmd, nil
}

// SplitCaps cuts the NUL separated capability list off the first command
// or want line and returns the bare line plus the parsed record.
func SplitCaps(payload string) (string, Caps) {
	line, caps, ok := strings.Cut(payload, "\x00")
	if !ok {
		return payload, Caps{}
	}
	return line, ParseCapsLine(strings.TrimSuffix(caps, "\n"))
}

// ParseWant parses "want <sha>[ <caps>]". Capabilities ride the first
// want line separated by a space, per the upload-pack request grammar.
func ParseWant(payload string) (plumbing.Hash, Caps, error) {
	payload = strings.TrimSuffix(payload, "\n")
	rest, ok := strings.CutPrefix(payload, "want ")
	if !ok {
		return plumbing.ZeroHash, Caps{}, fmt.Errorf("%w: %q", ErrMalformedWant, payload)
	}
	rev, capsL, hasCaps := strings.Cut(rest, " ")
	oid, err := parseRev(rev)
	if err != nil {
		return plumbing.ZeroHash, Caps{}, err
	}
	if !hasCaps {
		return oid, Caps{}, nil
	}
	return oid, ParseCapsLine(capsL), nil
}

// ParseHave parses "have <sha>".
func ParseHave(payload string) (plumbing.Hash, error) {
	payload = strings.TrimSuffix(payload, "\n")
	rest, ok := strings.CutPrefix(payload, "have ")
	if !ok {
		return plumbing.ZeroHash, fmt.Errorf("%w: %q", ErrMalformedHave, payload)
	}
	return parseRev(rest)
}

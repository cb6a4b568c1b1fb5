// Copyright 2018 Sourced Technologies, S.L.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/plumbing/filemode"
	"github.com/keelscm/keel/modules/streamio"
)

// TreeEntry represents a file or subtree entry in a tree object.
type TreeEntry struct {
	Name string            `json:"name"`
	Mode filemode.FileMode `json:"mode"`
	Hash plumbing.Hash     `json:"hash"`
}

// Equal returns whether the receiving and given TreeEntry instances are
// identical in name, filemode, and OID.
func (e *TreeEntry) Equal(other *TreeEntry) bool {
	if (e == nil) != (other == nil) {
		return false
	}

	if e != nil {
		return e.Name == other.Name &&
			e.Hash == other.Hash &&
			e.Mode == other.Mode
	}
	return true
}

const (
	sIFMT      = filemode.FileMode(0170000)
	sIFREG     = filemode.FileMode(0100000)
	sIFDIR     = filemode.FileMode(0040000)
	sIFLNK     = filemode.FileMode(0120000)
	sIFGITLINK = filemode.FileMode(0160000)
)

func (e *TreeEntry) Type() plumbing.ObjectType {
	switch e.Mode & sIFMT {
	case sIFREG:
		return plumbing.BlobObject
	case sIFDIR:
		return plumbing.TreeObject
	case sIFLNK:
		return plumbing.BlobObject
	case sIFGITLINK:
		return plumbing.CommitObject
	default:
	}
	return plumbing.InvalidObject
}

// IsLink returns true if the given TreeEntry is a blob which represents a
// symbolic link (i.e., with a filemode of 0120000).
func (e *TreeEntry) IsLink() bool {
	return e.Mode&sIFMT == sIFLNK
}

func (e *TreeEntry) IsDir() bool {
	return e.Mode&sIFMT == sIFDIR
}

func (e *TreeEntry) IsRegular() bool {
	return e.Mode&sIFMT == sIFREG
}

type Tree struct {
	Hash    plumbing.Hash `json:"hash"`
	Entries []*TreeEntry  `json:"entries"`
}

// Decode parses a tree from its binary object format: a sequence of
//
//	<mode> SP <name> NUL <20-byte oid>
//
// entries with no framing in between.
func (t *Tree) Decode(reader Reader) error {
	if reader.Type() != plumbing.TreeObject {
		return ErrUnsupportedObject
	}
	t.Hash = reader.Hash()
	r := streamio.GetBufioReader(reader)
	defer streamio.PutBufioReader(r)

	for {
		modeText, err := r.ReadString(' ')
		if err == io.EOF {
			if len(modeText) != 0 {
				return io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return err
		}
		mode, err := filemode.New(strings.TrimSuffix(modeText, " "))
		if err != nil {
			return fmt.Errorf("error parsing tree entry mode: %w", err)
		}

		name, err := r.ReadString(0x00)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		var oid plumbing.Hash
		if _, err := io.ReadFull(r, oid[:]); err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}

		t.Entries = append(t.Entries, &TreeEntry{
			Name: strings.TrimSuffix(name, "\x00"),
			Mode: mode,
			Hash: oid,
		})
	}
	return nil
}

// Encode writes the tree in its binary object format. Entries are
// written in the order they are held; call Sort first when building a
// tree from scratch.
func (t *Tree) Encode(w io.Writer) error {
	for _, e := range t.Entries {
		if _, err := fmt.Fprintf(w, "%s %s", e.Mode.Origin(), e.Name); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0x00}); err != nil {
			return err
		}
		if _, err := w.Write(e.Hash[:]); err != nil {
			return err
		}
	}
	return nil
}

// entryKey is the string a tree entry orders by. Git sorts directory
// entries as if their name ended in "/".
func entryKey(e *TreeEntry) string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// Sort orders the entries the way git requires them on disk.
func (t *Tree) Sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return entryKey(t.Entries[i]) < entryKey(t.Entries[j])
	})
}

// Validate applies the structural rules checked when a tree enters the
// object database: well-formed modes, safe entry names, canonical
// ordering and no duplicate names. Decode stays permissive so that
// history written by older tools can still be read.
func (t *Tree) Validate() error {
	for i, e := range t.Entries {
		if e.Mode.IsMalformedMode() {
			return fmt.Errorf("tree %s: entry '%s' carries malformed mode %o", t.Hash, e.Name, e.Mode)
		}
		switch e.Name {
		case "", ".", "..":
			return fmt.Errorf("tree %s: entry name '%s' not allowed", t.Hash, e.Name)
		}
		if strings.ContainsAny(e.Name, "/\x00") {
			return fmt.Errorf("tree %s: entry name '%s' not allowed", t.Hash, e.Name)
		}
		if strings.EqualFold(e.Name, ".git") {
			return fmt.Errorf("tree %s: entry name '%s' not allowed", t.Hash, e.Name)
		}
		if i == 0 {
			continue
		}
		prev := t.Entries[i-1]
		if prev.Name == e.Name {
			return fmt.Errorf("tree %s: duplicate entry '%s'", t.Hash, e.Name)
		}
		if entryKey(prev) >= entryKey(e) {
			return fmt.Errorf("tree %s: entry '%s' out of order", t.Hash, e.Name)
		}
	}
	return nil
}

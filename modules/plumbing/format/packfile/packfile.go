// Package packfile reads and writes the git packfile format:
//
//	+----------------------------------------------------+
//	| "PACK"  | version (4 bytes) | objects (4 bytes)    |
//	+----------------------------------------------------+
//	| object header (type + size) | zlib deflated data   |
//	|                      ...                           |
//	+----------------------------------------------------+
//	| SHA-1 checksum of everything above (20 bytes)      |
//	+----------------------------------------------------+
//
// Objects may be stored whole or as deltas against a base object,
// addressed either by a backwards offset inside the same pack
// (ofs-delta) or by object name (ref-delta). The reading side is built
// for a hosting server: it consumes the pack as a forward-only stream,
// inflates every entry exactly once and hands resolved objects to a
// Storer. See https://git-scm.com/docs/gitformat-pack.
package packfile

import (
	"errors"

	"github.com/keelscm/keel/modules/plumbing"
)

var signature = []byte{'P', 'A', 'C', 'K'}

const (
	// VersionSupported is the packfile version emitted by Writer.
	// Version 3 uses the same object encoding and is accepted on read.
	VersionSupported uint32 = 2

	firstLengthBits = uint8(4)   // the first byte into object header has 4 bits to store the length
	lengthBits      = uint8(7)   // subsequent bytes has 7 bits to store the length
	maskFirstLength = 15         // 0000 1111
	maskContinue    = 0x80       // 1000 0000
	maskLength      = uint8(127) // 0111 1111
	maskType        = uint8(112) // 0111 0000
)

var (
	// ErrEmptyPackfile is returned when no data is found in the packfile.
	ErrEmptyPackfile = errors.New("empty packfile")
	// ErrBadSignature is returned when the signature in the packfile is incorrect.
	ErrBadSignature = errors.New("malformed pack file signature")
	// ErrMalformedPackfile is returned when the packfile format is incorrect.
	ErrMalformedPackfile = errors.New("malformed pack file")
	// ErrUnsupportedVersion is returned when the packfile version is
	// different than VersionSupported.
	ErrUnsupportedVersion = errors.New("unsupported packfile version")
	// ErrObjectTooLarge is returned when an entry declares a size above
	// the scanner's configured limit.
	ErrObjectTooLarge = errors.New("object exceeds size limit")
)

// Header is the decoded packfile header.
type Header struct {
	Version uint32
	Objects uint32
}

// ObjectHeader describes a single entry before its data is inflated.
type ObjectHeader struct {
	// Type is the entry's on-disk type, including the delta kinds.
	Type plumbing.ObjectType
	// Offset is where the entry's header starts, relative to the
	// beginning of the pack.
	Offset int64
	// Size is the declared inflated size. For deltas it is the size of
	// the delta instruction stream, not of the restored object.
	Size int64
	// Reference is the base object name for ref-delta entries.
	Reference plumbing.Hash
	// OffsetReference is the absolute pack offset of the base for
	// ofs-delta entries.
	OffsetReference int64
}

// Record is a fully inflated packfile entry.
type Record struct {
	ObjectHeader
	Data []byte
}

func parseType(b byte) plumbing.ObjectType {
	return plumbing.ObjectType((b & maskType) >> firstLengthBits)
}

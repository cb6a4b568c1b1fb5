package packfile

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/keelscm/keel/modules/plumbing"
)

var (
	// ErrReferenceDeltaNotFound is returned when a ref-delta names a
	// base that is neither in the pack nor in the repository.
	ErrReferenceDeltaNotFound = errors.New("reference delta not found")
	// ErrTooManyEntries is returned when the pack header declares more
	// objects than the parser allows.
	ErrTooManyEntries = errors.New("pack declares too many objects")
)

// Storer is the sink a Parser resolves a packfile into. PutObject
// persists one fully inflated object and returns its name. GetObject
// loads an object stored earlier, either by this parse or already
// present in the repository; the latter is what makes thin packs work.
type Storer interface {
	PutObject(ctx context.Context, t plumbing.ObjectType, data []byte) (plumbing.Hash, error)
	GetObject(ctx context.Context, oid plumbing.Hash) (plumbing.ObjectType, []byte, error)
}

// Stats summarizes one parsed packfile.
type Stats struct {
	// Objects is the entry count declared by the pack header.
	Objects uint32
	// Deltas counts the entries that arrived in deltified form.
	Deltas uint32
	// External counts delta bases that had to be loaded from the
	// repository because the pack was thin.
	External uint32
	// Checksum is the verified pack trailer.
	Checksum plumbing.Hash
}

type pendingDelta struct {
	ObjectHeader
	data []byte
}

// Parser reads a packfile from a forward-only stream, resolves every
// delta and stores each carried object exactly once.
type Parser struct {
	scanner *Scanner
	storer  Storer

	// maxEntries caps the declared object count. Zero means no limit.
	maxEntries uint32

	// byOffset maps pack offsets to stored object names, for ofs-delta
	// bases. names records which objects this pack carried, so thin
	// bases can be told apart from in-pack ones.
	byOffset map[int64]plumbing.Hash
	names    map[plumbing.Hash]struct{}
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithMaxEntries rejects packs declaring more than n objects.
func WithMaxEntries(n uint32) ParserOption {
	return func(p *Parser) {
		p.maxEntries = n
	}
}

func NewParser(scanner *Scanner, storer Storer, opts ...ParserOption) *Parser {
	p := &Parser{
		scanner:  scanner,
		storer:   storer,
		byOffset: make(map[int64]plumbing.Hash),
		names:    make(map[plumbing.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse consumes the whole pack. Non-delta entries are stored as they
// are scanned; deltas are kept as instruction streams and resolved once
// the scan finishes, iterating until no further progress can be made so
// that chains across both delta kinds settle regardless of their order
// in the pack.
func (p *Parser) Parse(ctx context.Context) (Stats, error) {
	header, err := p.scanner.Header()
	if err != nil {
		return Stats{}, err
	}
	if p.maxEntries > 0 && header.Objects > p.maxEntries {
		return Stats{}, fmt.Errorf("%w: %d > %d", ErrTooManyEntries, header.Objects, p.maxEntries)
	}

	stats := Stats{Objects: header.Objects}

	var pending []*pendingDelta
	for {
		rec, err := p.scanner.NextObject()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Stats{}, err
		}

		if rec.Type.IsDelta() {
			stats.Deltas++
			pending = append(pending, &pendingDelta{ObjectHeader: rec.ObjectHeader, data: rec.Data})
			continue
		}

		oid, err := p.storer.PutObject(ctx, rec.Type, rec.Data)
		if err != nil {
			return Stats{}, err
		}
		p.byOffset[rec.Offset] = oid
		p.names[oid] = struct{}{}
	}

	for len(pending) > 0 {
		var unresolved []*pendingDelta
		for _, d := range pending {
			done, err := p.resolveDelta(ctx, d, &stats)
			if err != nil {
				return Stats{}, fmt.Errorf("resolving delta at offset %d: %w", d.Offset, err)
			}
			if !done {
				unresolved = append(unresolved, d)
			}
		}
		if len(unresolved) == len(pending) {
			d := unresolved[0]
			if d.Type == plumbing.REFDeltaObject {
				return Stats{}, fmt.Errorf("%w: %s", ErrReferenceDeltaNotFound, d.Reference)
			}
			return Stats{}, fmt.Errorf("%w: unresolvable delta base at offset %d", ErrMalformedPackfile, d.OffsetReference)
		}
		pending = unresolved
	}

	checksum, err := p.scanner.Footer()
	if err != nil {
		return Stats{}, err
	}
	stats.Checksum = checksum
	return stats, nil
}

// resolveDelta restores one delta if its base is available. It reports
// false when the base is not known yet.
func (p *Parser) resolveDelta(ctx context.Context, d *pendingDelta, stats *Stats) (bool, error) {
	var baseType plumbing.ObjectType
	var base []byte

	switch d.Type {
	case plumbing.OFSDeltaObject:
		oid, ok := p.byOffset[d.OffsetReference]
		if !ok {
			return false, nil
		}
		t, data, err := p.storer.GetObject(ctx, oid)
		if err != nil {
			return false, err
		}
		baseType, base = t, data

	case plumbing.REFDeltaObject:
		t, data, err := p.storer.GetObject(ctx, d.Reference)
		if err != nil {
			if plumbing.IsNoSuchObject(err) {
				return false, nil
			}
			return false, err
		}
		if _, inPack := p.names[d.Reference]; !inPack {
			stats.External++
		}
		baseType, base = t, data

	default:
		return false, fmt.Errorf("%w: %s is not a delta", ErrMalformedPackfile, d.Type)
	}

	if p.scanner.maxObjectSize > 0 {
		if _, targetSize, _, err := deltaSizes(d.data); err != nil {
			return false, err
		} else if int64(targetSize) > p.scanner.maxObjectSize {
			return false, fmt.Errorf("%w: %d bytes after resolving", ErrObjectTooLarge, targetSize)
		}
	}

	data, err := PatchDelta(base, d.data)
	if err != nil {
		return false, err
	}

	oid, err := p.storer.PutObject(ctx, baseType, data)
	if err != nil {
		return false, err
	}
	p.byOffset[d.Offset] = oid
	p.names[oid] = struct{}{}
	return true, nil
}

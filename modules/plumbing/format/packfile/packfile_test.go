package packfile

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelscm/keel/modules/plumbing"
)

type memoryObject struct {
	t    plumbing.ObjectType
	data []byte
}

// memoryStorer keeps parsed objects in a map. Seeding it before the
// parse stands in for a repository that already holds thin-pack bases.
type memoryStorer struct {
	objects map[plumbing.Hash]memoryObject
}

func newMemoryStorer() *memoryStorer {
	return &memoryStorer{objects: make(map[plumbing.Hash]memoryObject)}
}

func (s *memoryStorer) PutObject(ctx context.Context, t plumbing.ObjectType, data []byte) (plumbing.Hash, error) {
	oid := plumbing.HashObject(t, data)
	s.objects[oid] = memoryObject{t: t, data: append([]byte(nil), data...)}
	return oid, nil
}

func (s *memoryStorer) GetObject(ctx context.Context, oid plumbing.Hash) (plumbing.ObjectType, []byte, error) {
	o, ok := s.objects[oid]
	if !ok {
		return 0, nil, plumbing.NoSuchObject(oid)
	}
	return o.t, o.data, nil
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// rawPack assembles a pack from hand-encoded entries and seals it with
// the correct trailer. Hand-encoding is the only way to get delta
// entries into a pack, since Writer never deltifies.
func rawPack(objectCount uint32, entries ...[]byte) []byte {
	pack := make([]byte, 12)
	copy(pack, signature)
	binary.BigEndian.PutUint32(pack[4:], VersionSupported)
	binary.BigEndian.PutUint32(pack[8:], objectCount)
	for _, e := range entries {
		pack = append(pack, e...)
	}
	sum := sha1.Sum(pack)
	return append(pack, sum[:]...)
}

func fullEntry(t *testing.T, typ plumbing.ObjectType, data []byte) []byte {
	t.Helper()
	e := appendLengthType(nil, typ, int64(len(data)))
	return append(e, deflate(t, data)...)
}

func refDeltaEntry(t *testing.T, base plumbing.Hash, delta []byte) []byte {
	t.Helper()
	e := appendLengthType(nil, plumbing.REFDeltaObject, int64(len(delta)))
	e = append(e, base[:]...)
	return append(e, deflate(t, delta)...)
}

func ofsDeltaEntry(t *testing.T, distance int64, delta []byte) []byte {
	t.Helper()
	e := appendLengthType(nil, plumbing.OFSDeltaObject, int64(len(delta)))
	e = appendNegativeOffset(e, distance)
	return append(e, deflate(t, delta)...)
}

// appendNegativeOffset is the inverse of readNegativeOffset.
func appendNegativeOffset(dst []byte, v int64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7f)
	for v >>= 7; v > 0; v >>= 7 {
		v--
		i--
		tmp[i] = byte(v&0x7f) | 0x80
	}
	return append(dst, tmp[i:]...)
}

func appendLEB128(dst []byte, n uint) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

func TestNegativeOffsetRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 0x7f, 0x80, 300, 0x407f, 0x4080, 1 << 20} {
		enc := appendNegativeOffset(nil, v)
		got, err := readNegativeOffset(bytes.NewReader(enc))
		require.NoError(t, err)
		require.Equal(t, v, got, "encoding of %d", v)
	}
}

func TestWriterScannerRoundTrip(t *testing.T) {
	small := []byte("hello whale\n")
	big := bytes.Repeat([]byte("0123456789abcdef"), 256) // multi-byte size varint
	commit := []byte("tree 0000000000000000000000000000000000000000\n\nsnapshot\n")

	var buf bytes.Buffer
	w := NewWriter(&buf, 3)
	require.NoError(t, w.WriteObject(plumbing.BlobObject, small))
	require.NoError(t, w.WriteObject(plumbing.BlobObject, big))
	require.NoError(t, w.WriteObject(plumbing.CommitObject, commit))
	require.NoError(t, w.Close())
	require.NotEqual(t, plumbing.ZeroHash, w.Checksum())

	s := NewScanner(&buf)
	defer s.Release()
	header, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, VersionSupported, header.Version)
	assert.Equal(t, uint32(3), header.Objects)

	want := []struct {
		typ  plumbing.ObjectType
		data []byte
	}{
		{plumbing.BlobObject, small},
		{plumbing.BlobObject, big},
		{plumbing.CommitObject, commit},
	}
	lastOffset := int64(0)
	for i, o := range want {
		rec, err := s.NextObject()
		require.NoError(t, err, "object %d", i)
		assert.Equal(t, o.typ, rec.Type, "object %d", i)
		assert.Equal(t, int64(len(o.data)), rec.Size, "object %d", i)
		assert.Equal(t, o.data, rec.Data, "object %d", i)
		assert.Greater(t, rec.Offset, lastOffset, "object %d", i)
		lastOffset = rec.Offset
	}

	_, err = s.NextObject()
	require.ErrorIs(t, err, io.EOF)

	checksum, err := s.Footer()
	require.NoError(t, err)
	assert.Equal(t, w.Checksum(), checksum)
}

func TestWriterEnforcesDeclaredShape(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 2)

	require.Error(t, w.WriteHeader(plumbing.OFSDeltaObject, 4))
	require.Error(t, w.WriteHeader(plumbing.BlobObject, -1))

	require.NoError(t, w.WriteHeader(plumbing.BlobObject, 4))
	_, err := w.Write([]byte("too long"))
	require.Error(t, err)

	// One declared object was never written.
	_, _ = w.Write([]byte("1234"))
	require.Error(t, w.Close())

	require.NoError(t, w.WriteObject(plumbing.BlobObject, []byte("done")))
	require.NoError(t, w.Close())

	require.Error(t, w.WriteHeader(plumbing.BlobObject, 1), "pack is complete")
}

func TestScannerHeaderValidation(t *testing.T) {
	_, err := NewScanner(bytes.NewReader(nil)).Header()
	require.ErrorIs(t, err, ErrEmptyPackfile)

	_, err = NewScanner(bytes.NewReader([]byte("JUNKJUNKJUNKJUNK"))).Header()
	require.ErrorIs(t, err, ErrBadSignature)

	bad := rawPack(0)
	binary.BigEndian.PutUint32(bad[4:], 4)
	_, err = NewScanner(bytes.NewReader(bad)).Header()
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	truncated := rawPack(0)[:6]
	_, err = NewScanner(bytes.NewReader(truncated)).Header()
	require.ErrorIs(t, err, ErrMalformedPackfile)
}

func TestScannerVersion3Accepted(t *testing.T) {
	pack := make([]byte, 12)
	copy(pack, signature)
	binary.BigEndian.PutUint32(pack[4:], 3)
	binary.BigEndian.PutUint32(pack[8:], 1)
	pack = append(pack, fullEntry(t, plumbing.BlobObject, []byte("v3"))...)
	sum := sha1.Sum(pack)
	pack = append(pack, sum[:]...)

	s := NewScanner(bytes.NewReader(pack))
	defer s.Release()
	header, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), header.Version)
	rec, err := s.NextObject()
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), rec.Data)
	_, err = s.Footer()
	require.NoError(t, err)
}

func TestScannerObjectTooLarge(t *testing.T) {
	pack := rawPack(1, fullEntry(t, plumbing.BlobObject, bytes.Repeat([]byte{'x'}, 32)))
	s := NewScanner(bytes.NewReader(pack), WithMaxObjectSize(16))
	defer s.Release()
	_, err := s.NextObject()
	require.ErrorIs(t, err, ErrObjectTooLarge)
}

func TestScannerDeclaredSizeAuthoritative(t *testing.T) {
	// Stream carries more bytes than the header declares.
	over := appendLengthType(nil, plumbing.BlobObject, 4)
	over = append(over, deflate(t, []byte("12345678"))...)
	s := NewScanner(bytes.NewReader(rawPack(1, over)))
	_, err := s.NextObject()
	require.ErrorIs(t, err, ErrMalformedPackfile)
	assert.Contains(t, err.Error(), "larger than declared size")
	s.Release()

	// Stream carries fewer bytes than the header declares.
	under := appendLengthType(nil, plumbing.BlobObject, 8)
	under = append(under, deflate(t, []byte("1234"))...)
	s = NewScanner(bytes.NewReader(rawPack(1, under)))
	defer s.Release()
	_, err = s.NextObject()
	require.ErrorIs(t, err, ErrMalformedPackfile)
}

func TestScannerChecksum(t *testing.T) {
	pack := rawPack(1, fullEntry(t, plumbing.BlobObject, []byte("payload")))

	s := NewScanner(bytes.NewReader(pack))
	_, err := s.Header()
	require.NoError(t, err)
	_, err = s.Footer()
	require.ErrorIs(t, err, ErrMalformedPackfile, "footer before scanning all entries")
	s.Release()

	corrupted := append([]byte(nil), pack...)
	corrupted[len(corrupted)-1] ^= 0xff
	s = NewScanner(bytes.NewReader(corrupted))
	defer s.Release()
	_, err = s.NextObject()
	require.NoError(t, err)
	_, err = s.Footer()
	require.ErrorIs(t, err, ErrMalformedPackfile)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestScannerOfsDeltaHeader(t *testing.T) {
	base := fullEntry(t, plumbing.BlobObject, []byte("base object"))
	delta := []byte{0x0b, 0x01, 0x01, 'x'}
	distance := int64(len(base)) // delta entry starts right after the base
	pack := rawPack(2, base, ofsDeltaEntry(t, distance, delta))

	s := NewScanner(bytes.NewReader(pack))
	defer s.Release()
	rec, err := s.NextObject()
	require.NoError(t, err)
	assert.Equal(t, int64(12), rec.Offset)

	rec, err = s.NextObject()
	require.NoError(t, err)
	assert.Equal(t, plumbing.OFSDeltaObject, rec.Type)
	assert.Equal(t, int64(12), rec.OffsetReference)
	assert.Equal(t, delta, rec.Data)
}

func TestScannerOfsDeltaBeforePackStart(t *testing.T) {
	delta := []byte{0x00, 0x01, 0x01, 'x'}
	pack := rawPack(1, ofsDeltaEntry(t, 100, delta))
	s := NewScanner(bytes.NewReader(pack))
	defer s.Release()
	_, err := s.NextObject()
	require.ErrorIs(t, err, ErrMalformedPackfile)
}

func parsePack(t *testing.T, storer Storer, pack []byte, opts ...ParserOption) (Stats, error) {
	t.Helper()
	s := NewScanner(bytes.NewReader(pack))
	defer s.Release()
	return NewParser(s, storer, opts...).Parse(context.Background())
}

func TestParserStoresPlainObjects(t *testing.T) {
	blob := []byte("file content\n")
	tree := []byte("100644 file\x00aaaaaaaaaaaaaaaaaaaa")
	commit := []byte("tree feedfacefeedfacefeedfacefeedfacefeedface\n\nmsg\n")

	var buf bytes.Buffer
	w := NewWriter(&buf, 3)
	require.NoError(t, w.WriteObject(plumbing.BlobObject, blob))
	require.NoError(t, w.WriteObject(plumbing.TreeObject, tree))
	require.NoError(t, w.WriteObject(plumbing.CommitObject, commit))
	require.NoError(t, w.Close())

	storer := newMemoryStorer()
	stats, err := parsePack(t, storer, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, Stats{Objects: 3, Checksum: w.Checksum()}, stats)

	typ, data, err := storer.GetObject(context.Background(), plumbing.HashObject(plumbing.TreeObject, tree))
	require.NoError(t, err)
	assert.Equal(t, plumbing.TreeObject, typ)
	assert.Equal(t, tree, data)
	assert.Len(t, storer.objects, 3)
}

func TestParserResolvesRefDelta(t *testing.T) {
	base := []byte("hello, world")
	baseOID := plumbing.HashObject(plumbing.BlobObject, base)

	// copy "hello, " then insert "gopher"
	delta := appendLEB128(nil, uint(len(base)))
	delta = appendLEB128(delta, 13)
	delta = append(delta, 0x90, 0x07, 0x06)
	delta = append(delta, "gopher"...)

	// The delta precedes its base in the pack.
	pack := rawPack(2,
		refDeltaEntry(t, baseOID, delta),
		fullEntry(t, plumbing.BlobObject, base),
	)

	storer := newMemoryStorer()
	stats, err := parsePack(t, storer, pack)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stats.Objects)
	assert.Equal(t, uint32(1), stats.Deltas)
	assert.Equal(t, uint32(0), stats.External, "base came in the same pack")

	typ, data, err := storer.GetObject(context.Background(), plumbing.HashObject(plumbing.BlobObject, []byte("hello, gopher")))
	require.NoError(t, err)
	assert.Equal(t, plumbing.BlobObject, typ)
	assert.Equal(t, "hello, gopher", string(data))
}

func TestParserResolvesOfsDeltaChain(t *testing.T) {
	base := []byte("the quick brown fox")

	// copy the whole base, then append " jumps"
	delta1 := appendLEB128(nil, uint(len(base)))
	delta1 = appendLEB128(delta1, uint(len(base)+6))
	delta1 = append(delta1, 0x90, byte(len(base)), 0x06)
	delta1 = append(delta1, " jumps"...)
	target1 := []byte("the quick brown fox jumps")

	// against target1: keep "the quick brown fox ", replace the verb
	delta2 := appendLEB128(nil, uint(len(target1)))
	delta2 = appendLEB128(delta2, 25)
	delta2 = append(delta2, 0x90, 0x14, 0x05)
	delta2 = append(delta2, "flips"...)
	target2 := []byte("the quick brown fox flips")

	baseEntry := fullEntry(t, plumbing.BlobObject, base)
	d1Offset := int64(12 + len(baseEntry))
	d1Entry := ofsDeltaEntry(t, d1Offset-12, delta1)
	d2Offset := d1Offset + int64(len(d1Entry))
	d2Entry := ofsDeltaEntry(t, d2Offset-d1Offset, delta2)

	storer := newMemoryStorer()
	stats, err := parsePack(t, storer, rawPack(3, baseEntry, d1Entry, d2Entry))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stats.Deltas)

	for _, want := range [][]byte{base, target1, target2} {
		typ, data, err := storer.GetObject(context.Background(), plumbing.HashObject(plumbing.BlobObject, want))
		require.NoError(t, err)
		assert.Equal(t, plumbing.BlobObject, typ)
		assert.Equal(t, want, data)
	}
}

func TestParserDeltaChainAcrossPasses(t *testing.T) {
	base := []byte("v1")
	middle := []byte("v1v1")
	final := []byte("v1v1v1v1")

	// double the input
	double := func(n uint) []byte {
		d := appendLEB128(nil, n)
		d = appendLEB128(d, 2*n)
		return append(d, 0x90, byte(n), 0x90, byte(n))
	}

	// The delta over middle comes first, so the first resolution pass
	// cannot make it progress and a second pass is required.
	pack := rawPack(3,
		refDeltaEntry(t, plumbing.HashObject(plumbing.BlobObject, middle), double(4)),
		refDeltaEntry(t, plumbing.HashObject(plumbing.BlobObject, base), double(2)),
		fullEntry(t, plumbing.BlobObject, base),
	)

	storer := newMemoryStorer()
	stats, err := parsePack(t, storer, pack)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stats.Deltas)
	assert.Equal(t, uint32(0), stats.External)

	_, data, err := storer.GetObject(context.Background(), plumbing.HashObject(plumbing.BlobObject, final))
	require.NoError(t, err)
	assert.Equal(t, final, data)
}

func TestParserThinPack(t *testing.T) {
	base := []byte("shared history")
	storer := newMemoryStorer()
	baseOID, err := storer.PutObject(context.Background(), plumbing.BlobObject, base)
	require.NoError(t, err)

	delta := appendLEB128(nil, uint(len(base)))
	delta = appendLEB128(delta, uint(len(base)+1))
	delta = append(delta, 0x90, byte(len(base)), 0x01, '!')

	stats, err := parsePack(t, storer, rawPack(1, refDeltaEntry(t, baseOID, delta)))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stats.Objects)
	assert.Equal(t, uint32(1), stats.Deltas)
	assert.Equal(t, uint32(1), stats.External, "base had to come from the repository")

	_, data, err := storer.GetObject(context.Background(), plumbing.HashObject(plumbing.BlobObject, []byte("shared history!")))
	require.NoError(t, err)
	assert.Equal(t, "shared history!", string(data))
}

func TestParserUnresolvableRefDelta(t *testing.T) {
	var missing plumbing.Hash
	missing[0] = 0xde
	delta := []byte{0x01, 0x01, 0x01, 'x'}

	_, err := parsePack(t, newMemoryStorer(), rawPack(1, refDeltaEntry(t, missing, delta)))
	require.ErrorIs(t, err, ErrReferenceDeltaNotFound)
}

func TestParserUnresolvableOfsDelta(t *testing.T) {
	// Offset 5 is inside the pack header; no object lives there.
	delta := []byte{0x01, 0x01, 0x01, 'x'}
	_, err := parsePack(t, newMemoryStorer(), rawPack(1, ofsDeltaEntry(t, 7, delta)))
	require.ErrorIs(t, err, ErrMalformedPackfile)
	assert.Contains(t, err.Error(), "unresolvable delta base")
}

func TestParserMaxEntries(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 3)
	for _, data := range []string{"a", "b", "c"} {
		require.NoError(t, w.WriteObject(plumbing.BlobObject, []byte(data)))
	}
	require.NoError(t, w.Close())

	_, err := parsePack(t, newMemoryStorer(), buf.Bytes(), WithMaxEntries(2))
	require.ErrorIs(t, err, ErrTooManyEntries)
}

func TestParserMaxObjectSizeCapsResolvedDeltas(t *testing.T) {
	base := []byte("abcd")
	baseOID := plumbing.HashObject(plumbing.BlobObject, base)

	// Tiny instruction stream, hundred-byte target.
	delta := appendLEB128(nil, uint(len(base)))
	delta = appendLEB128(delta, 100)
	delta = append(delta, 0x64, 0x00)

	storer := newMemoryStorer()
	_, err := storer.PutObject(context.Background(), plumbing.BlobObject, base)
	require.NoError(t, err)

	pack := rawPack(1, refDeltaEntry(t, baseOID, delta))
	s := NewScanner(bytes.NewReader(pack), WithMaxObjectSize(16))
	defer s.Release()
	_, err = NewParser(s, storer).Parse(context.Background())
	require.ErrorIs(t, err, ErrObjectTooLarge)
}

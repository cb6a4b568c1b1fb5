package packfile

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/streamio"
)

// scannerReader tracks the read offset and tees everything it hands out
// into the running pack hash. It implements io.ByteReader so that the
// zlib inflater consumes exactly the bytes of each deflate stream and
// never buffers ahead into the next entry.
type scannerReader struct {
	rbuf   *bufio.Reader
	sum    hash.Hash
	offset int64
}

func newScannerReader(r io.Reader, sum hash.Hash) *scannerReader {
	return &scannerReader{
		rbuf: bufio.NewReader(r),
		sum:  sum,
	}
}

func (r *scannerReader) Read(p []byte) (n int, err error) {
	n, err = r.rbuf.Read(p)
	r.offset += int64(n)
	r.sum.Write(p[:n])
	return
}

func (r *scannerReader) ReadByte() (byte, error) {
	b, err := r.rbuf.ReadByte()
	if err != nil {
		return b, err
	}
	r.offset++
	r.sum.Write([]byte{b})
	return b, nil
}

// Scanner provides sequential access to the entries of a packfile read
// from a forward-only stream. The usual sequence is one call to
// Header, count calls to NextObject and one call to Footer.
type Scanner struct {
	r  *scannerReader
	zr *streamio.ZlibReader

	packhash hash.Hash
	header   Header
	objIndex uint32
	headerOK bool

	// maxObjectSize caps the declared inflated size of a single entry.
	// Zero means no limit.
	maxObjectSize int64
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithMaxObjectSize rejects entries whose declared inflated size
// exceeds n bytes.
func WithMaxObjectSize(n int64) ScannerOption {
	return func(s *Scanner) {
		s.maxObjectSize = n
	}
}

func NewScanner(r io.Reader, opts ...ScannerOption) *Scanner {
	packhash := sha1.New()
	s := &Scanner{
		r:        newScannerReader(r, packhash),
		packhash: packhash,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Release returns the scanner's zlib inflater to its pool. The scanner
// must not be used afterwards.
func (s *Scanner) Release() {
	if s.zr != nil {
		streamio.PutZlibReader(s.zr)
		s.zr = nil
	}
}

// Header reads and validates the pack header. It is idempotent.
func (s *Scanner) Header() (Header, error) {
	if s.headerOK {
		return s.header, nil
	}
	start := make([]byte, 4)
	if _, err := io.ReadFull(s.r, start); err != nil {
		if err == io.EOF {
			return Header{}, ErrEmptyPackfile
		}
		return Header{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !bytes.Equal(start, signature) {
		return Header{}, ErrBadSignature
	}

	version, err := s.readUint32()
	if err != nil {
		return Header{}, fmt.Errorf("%w: cannot read version", ErrMalformedPackfile)
	}
	if version != 2 && version != 3 {
		return Header{}, ErrUnsupportedVersion
	}

	objects, err := s.readUint32()
	if err != nil {
		return Header{}, fmt.Errorf("%w: cannot read number of objects", ErrMalformedPackfile)
	}

	s.header = Header{Version: version, Objects: objects}
	s.headerOK = true
	return s.header, nil
}

// NextObject reads and inflates the next entry. It returns io.EOF once
// all declared objects have been consumed.
func (s *Scanner) NextObject() (*Record, error) {
	if !s.headerOK {
		if _, err := s.Header(); err != nil {
			return nil, err
		}
	}
	if s.objIndex >= s.header.Objects {
		return nil, io.EOF
	}
	s.objIndex++

	offset := s.r.offset
	first, err := s.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read object header", ErrMalformedPackfile)
	}

	typ := parseType(first)
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: invalid object type: %v", ErrMalformedPackfile, first)
	}

	size, err := readVariableLengthSize(first, s.r)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read object size", ErrMalformedPackfile)
	}
	if s.maxObjectSize > 0 && size > uint64(s.maxObjectSize) {
		return nil, fmt.Errorf("%w: %d bytes declared at offset %d", ErrObjectTooLarge, size, offset)
	}

	oh := ObjectHeader{
		Type:   typ,
		Offset: offset,
		Size:   int64(size),
	}

	switch typ {
	case plumbing.OFSDeltaObject:
		distance, err := readNegativeOffset(s.r)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot read delta offset", ErrMalformedPackfile)
		}
		oh.OffsetReference = oh.Offset - distance
		if oh.OffsetReference < 0 {
			return nil, fmt.Errorf("%w: delta base offset before pack start", ErrMalformedPackfile)
		}
	case plumbing.REFDeltaObject:
		if _, err := io.ReadFull(s.r, oh.Reference[:]); err != nil {
			return nil, fmt.Errorf("%w: cannot read delta base name", ErrMalformedPackfile)
		}
	}

	data, err := s.inflate(oh.Size)
	if err != nil {
		return nil, fmt.Errorf("inflating entry at offset %d: %w", offset, err)
	}

	return &Record{ObjectHeader: oh, Data: data}, nil
}

// inflate reads one zlib stream and requires it to carry exactly the
// declared number of bytes. The declared size is authoritative: a
// stream holding more or fewer bytes fails the whole pack.
func (s *Scanner) inflate(size int64) ([]byte, error) {
	if s.zr == nil {
		zr, err := streamio.GetZlibReader(s.r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPackfile, err)
		}
		s.zr = zr
	} else if err := s.zr.Reset(s.r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPackfile, err)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(s.zr, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPackfile, err)
	}
	// Drain the end-of-stream marker so the underlying reader is
	// positioned at the next entry.
	var tail [1]byte
	if n, err := s.zr.Read(tail[:]); n != 0 || err != io.EOF {
		return nil, fmt.Errorf("%w: entry larger than declared size %d", ErrMalformedPackfile, size)
	}
	return data, nil
}

// Footer reads the trailing checksum and verifies it against the hash
// of everything scanned so far.
func (s *Scanner) Footer() (plumbing.Hash, error) {
	if s.headerOK && s.objIndex < s.header.Objects {
		return plumbing.ZeroHash, fmt.Errorf("%w: %d objects not scanned", ErrMalformedPackfile, s.header.Objects-s.objIndex)
	}
	actual := s.packhash.Sum(nil)

	var checksum plumbing.Hash
	if _, err := io.ReadFull(s.r, checksum[:]); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("%w: cannot read pack checksum", ErrMalformedPackfile)
	}
	if !bytes.Equal(actual, checksum[:]) {
		return plumbing.ZeroHash, fmt.Errorf("%w: checksum mismatch, expected %x found %s", ErrMalformedPackfile, actual, checksum)
	}
	return checksum, nil
}

func (s *Scanner) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readVariableLengthSize(first byte, reader io.ByteReader) (uint64, error) {
	// Extract the first part of the size (lower 4 bits of the first byte).
	size := uint64(first & maskFirstLength)

	// |  0xxx_xxxx | 1xxx_xxxx | ...
	//
	//	  ^^^ ^^^^     ^^^^^^^
	//	 type size1    size2
	shift := uint(firstLengthBits)
	for first&maskContinue != 0 {
		if shift > 63 {
			return 0, ErrMalformedPackfile
		}
		b, err := reader.ReadByte()
		if err != nil {
			return 0, err
		}

		size |= uint64(b&maskLength) << shift
		shift += uint(lengthBits)
		first = b
	}
	return size, nil
}

// readNegativeOffset decodes the base distance of an ofs-delta entry.
// Git widens each continuation step by one so that distinct encodings
// never alias: value = ((value + 1) << 7) | (next & 0x7f).
func readNegativeOffset(reader io.ByteReader) (int64, error) {
	c, err := reader.ReadByte()
	if err != nil {
		return 0, err
	}

	var v = int64(c & maskLength)
	for c&maskContinue > 0 {
		v++
		if c, err = reader.ReadByte(); err != nil {
			return 0, err
		}
		v = (v << lengthBits) + int64(c&maskLength)
		if v < 0 {
			return 0, ErrMalformedPackfile
		}
	}

	return v, nil
}

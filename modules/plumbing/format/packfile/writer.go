package packfile

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/keelscm/keel/modules/plumbing"
	"github.com/keelscm/keel/modules/streamio"
)

// Writer produces a version 2 packfile. Every object is written whole;
// the transfer does not deltify. It is the caller's responsibility to
// call Close after the last object so the trailer is emitted.
type Writer struct {
	w     io.Writer
	hash  hash.Hash
	nobjs uint32

	zw            *zlib.Writer
	headerWritten bool
	objectOpen    bool
	dataRemaining int64
	checksum      plumbing.Hash

	buf []byte
}

// NewWriter returns a Writer that writes a pack holding objectCount
// objects to w.
func NewWriter(w io.Writer, objectCount uint32) *Writer {
	h := sha1.New()
	return &Writer{
		w:     io.MultiWriter(h, w),
		hash:  h,
		nobjs: objectCount,
	}
}

func (w *Writer) init() error {
	if w.headerWritten {
		return nil
	}
	hdr := make([]byte, 12)
	copy(hdr, signature)
	binary.BigEndian.PutUint32(hdr[4:], VersionSupported)
	binary.BigEndian.PutUint32(hdr[8:], w.nobjs)
	if _, err := w.w.Write(hdr); err != nil {
		return fmt.Errorf("packfile: write header: %w", err)
	}
	w.headerWritten = true
	return nil
}

// WriteHeader starts the next object and prepares to accept exactly
// size bytes of its content.
func (w *Writer) WriteHeader(t plumbing.ObjectType, size int64) error {
	if t.IsDelta() || !t.Valid() {
		return fmt.Errorf("packfile: write object header: invalid type %s", t)
	}
	if size < 0 {
		return fmt.Errorf("packfile: write object header: invalid size %d", size)
	}
	if w.dataRemaining > 0 {
		return fmt.Errorf("packfile: write object header: previous object incomplete (%d bytes remaining)", w.dataRemaining)
	}
	if err := w.init(); err != nil {
		return err
	}
	if err := w.closeObject(); err != nil {
		return err
	}
	if w.nobjs == 0 {
		return fmt.Errorf("packfile: more objects written than declared")
	}
	w.nobjs--

	w.buf = appendLengthType(w.buf[:0], t, size)
	if _, err := w.w.Write(w.buf); err != nil {
		return fmt.Errorf("packfile: write object header: %w", err)
	}

	if w.zw == nil {
		w.zw = streamio.GetZlibWriter(w.w)
	} else {
		w.zw.Reset(w.w)
	}
	w.objectOpen = true
	w.dataRemaining = size
	return nil
}

// Write writes content for the current object. Writing more than the
// size declared to WriteHeader is an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	if !w.objectOpen {
		return 0, fmt.Errorf("packfile: Write called before WriteHeader")
	}
	if int64(len(p)) > w.dataRemaining {
		return 0, fmt.Errorf("packfile: write object: content exceeds declared size")
	}
	n, err = w.zw.Write(p)
	w.dataRemaining -= int64(n)
	if err != nil {
		return n, fmt.Errorf("packfile: write object: %w", err)
	}
	return n, nil
}

// WriteObject writes a whole object in one call.
func (w *Writer) WriteObject(t plumbing.ObjectType, data []byte) error {
	if err := w.WriteHeader(t, int64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func (w *Writer) closeObject() error {
	if !w.objectOpen {
		return nil
	}
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("packfile: close object: %w", err)
	}
	w.objectOpen = false
	return nil
}

// Close flushes the last object and writes the pack trailer. It does
// not close the underlying writer.
func (w *Writer) Close() error {
	if w.nobjs > 0 {
		return fmt.Errorf("packfile: close: fewer objects written than declared (%d more expected)", w.nobjs)
	}
	if w.dataRemaining > 0 {
		return fmt.Errorf("packfile: close: previous object incomplete (%d bytes remaining)", w.dataRemaining)
	}
	if err := w.init(); err != nil {
		return err
	}
	if err := w.closeObject(); err != nil {
		return err
	}
	if w.zw != nil {
		streamio.PutZlibWriter(w.zw)
		w.zw = nil
	}
	copy(w.checksum[:], w.hash.Sum(nil))
	if _, err := w.w.Write(w.checksum[:]); err != nil {
		return fmt.Errorf("packfile: close: write trailer: %w", err)
	}
	return nil
}

// Checksum returns the pack trailer written by Close.
func (w *Writer) Checksum() plumbing.Hash {
	return w.checksum
}

func appendLengthType(dst []byte, typ plumbing.ObjectType, n int64) []byte {
	msb := byte(0)
	if n >= 0x10 {
		msb = maskContinue
	}
	dst = append(dst, byte(typ)<<firstLengthBits|byte(n&0xf)|msb)
	if msb != 0 {
		dst = appendVarint(dst, uint64(n>>4))
	}
	return dst
}

func appendVarint(dst []byte, x uint64) []byte {
	for x >= 0x80 {
		dst = append(dst, byte(x)|0x80)
		x >>= 7
	}
	dst = append(dst, byte(x))
	return dst
}

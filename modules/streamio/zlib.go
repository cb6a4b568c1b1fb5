package streamio

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

var (
	// a minimal complete zlib stream, used to prime pooled readers
	zlibInitBytes = []byte{0x78, 0x9c, 0x01, 0x00, 0x00, 0xff, 0xff, 0x00, 0x00, 0x00, 0x01}

	zlibReader = sync.Pool{
		New: func() any {
			r, _ := zlib.NewReader(bytes.NewReader(zlibInitBytes))
			return &ZlibReader{
				reader: r.(zlibReadCloser),
			}
		},
	}
	zlibWriter = sync.Pool{
		New: func() any {
			return zlib.NewWriter(nil)
		},
	}
)

type zlibReadCloser interface {
	io.ReadCloser
	zlib.Resetter
}

// ZlibReader is a poolable zlib reader.
type ZlibReader struct {
	reader zlibReadCloser
}

func (r *ZlibReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *ZlibReader) Close() error {
	return r.reader.Close()
}

// Reset discards the reader's state and makes it read a new zlib
// stream from src.
func (r *ZlibReader) Reset(src io.Reader) error {
	return r.reader.Reset(src, nil)
}

// GetZlibReader returns a ZlibReader that is managed by a sync.Pool.
// Returns a ZlibReader that is reset and ready for use.
//
// After use, the ZlibReader should be put back into the sync.Pool
// by calling PutZlibReader.
func GetZlibReader(r io.Reader) (*ZlibReader, error) {
	z := zlibReader.Get().(*ZlibReader)
	err := z.reader.Reset(r, nil)
	return z, err
}

// PutZlibReader puts z back into its sync.Pool.
func PutZlibReader(z *ZlibReader) {
	zlibReader.Put(z)
}

// GetZlibWriter returns a *zlib.Writer that is managed by a sync.Pool.
// Returns a writer that is reset with w and ready for use.
//
// After use, the *zlib.Writer should be put back into the sync.Pool
// by calling PutZlibWriter.
func GetZlibWriter(w io.Writer) *zlib.Writer {
	z := zlibWriter.Get().(*zlib.Writer)
	z.Reset(w)
	return z
}

// PutZlibWriter puts w back into its sync.Pool.
func PutZlibWriter(w *zlib.Writer) {
	zlibWriter.Put(w)
}

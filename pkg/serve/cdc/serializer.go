// Copyright ©️ Keel Project. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cdc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/keelscm/keel/modules/streamio"
)

// Batch files carry the parquet fourcc at both ends with the
// compressed body length before the trailing magic, so downstream
// loaders can detect them by extension or by sniffing either end.
const frameMagic = "PAR1"

var ErrMalformedFrame = errors.New("malformed batch frame")

// Serialize encodes the batch and wraps it into a self-describing
// frame: magic, zstd-compressed body, little-endian body length,
// magic.
func Serialize(b *Batch) ([]byte, error) {
	body := b.encode()
	var compressed bytes.Buffer
	zw := streamio.GetZstdWriter(&compressed)
	_, err := zw.Write(body)
	streamio.PutZstdWriter(zw)
	if err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	out := make([]byte, 0, 2*len(frameMagic)+4+compressed.Len())
	out = append(out, frameMagic...)
	out = append(out, compressed.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, uint32(compressed.Len()))
	out = append(out, frameMagic...)
	return out, nil
}

// Parse is Serialize's inverse.
func Parse(data []byte) (*Batch, error) {
	const overhead = 2*len(frameMagic) + 4
	if len(data) < overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	if string(data[:len(frameMagic)]) != frameMagic {
		return nil, fmt.Errorf("%w: bad leading magic", ErrMalformedFrame)
	}
	if string(data[len(data)-len(frameMagic):]) != frameMagic {
		return nil, fmt.Errorf("%w: bad trailing magic", ErrMalformedFrame)
	}
	size := binary.LittleEndian.Uint32(data[len(data)-overhead+len(frameMagic):])
	if int(size) != len(data)-overhead {
		return nil, fmt.Errorf("%w: body length %d want %d", ErrMalformedFrame, size, len(data)-overhead)
	}
	zr, err := streamio.GetZstdReader(bytes.NewReader(data[len(frameMagic) : len(frameMagic)+int(size)]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	defer streamio.PutZstdReader(zr)
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return decodeBatch(body)
}

// Package pktline implements reading payloads from pkt-lines and encoding
// pkt-lines from payloads.
package pktline

import (
	"errors"
)

const (
	// lenSize is the size of the length prefix of a pkt-line, in bytes.
	lenSize = 4

	// MaxPayloadSize is the maximum payload size of a pkt-line.
	MaxPayloadSize = 65516

	// MaxPacketSize is the largest length value a well-formed pkt-line may
	// carry, length prefix included.
	MaxPacketSize = MaxPayloadSize + lenSize
)

const (
	// Err is returned by ParseLength when the length field is malformed.
	Err = iota - 1

	// Flush is the numeric value of a flush packet.
	Flush

	// Delim is the numeric value of a delim packet.
	Delim
)

var (
	// FlushPkt are the contents of a flush-pkt pkt-line.
	FlushPkt = []byte{'0', '0', '0', '0'}

	// DelimPkt are the contents of a delim-pkt pkt-line.
	DelimPkt = []byte{'0', '0', '0', '1'}

	// emptyPkt is an empty string pkt-line payload.
	emptyPkt = []byte{'0', '0', '0', '4'}
)

var (
	// ErrPayloadTooLong is returned by Encode when a payload exceeds
	// MaxPayloadSize.
	ErrPayloadTooLong = errors.New("payload is too long")

	// ErrInvalidPktLen is returned when a pkt-line carries a malformed or
	// oversized length prefix.
	ErrInvalidPktLen = errors.New("invalid pkt-len found")
)

// PacketKind classifies a decoded pkt-line.
type PacketKind int8

const (
	// Incomplete marks a truncated packet: more bytes are needed before it
	// can be decoded.
	IncompletePacket PacketKind = iota
	DataPacket
	FlushPacket
	DelimPacket
)

func (k PacketKind) String() string {
	switch k {
	case DataPacket:
		return "data"
	case FlushPacket:
		return "flush"
	case DelimPacket:
		return "delim"
	case IncompletePacket:
		return "incomplete"
	}
	return "unknown"
}

// hexDecode converts the hex length prefix into its numeric value. Only
// lowercase and uppercase hexadecimal digits are accepted.
func hexDecode(buf [lenSize]byte) (int, error) {
	var ret int
	for i := 0; i < lenSize; i++ {
		n, err := asciiHexToByte(buf[i])
		if err != nil {
			return 0, ErrInvalidPktLen
		}
		ret = 16*ret + int(n)
	}
	return ret, nil
}

func asciiHexToByte(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, ErrInvalidPktLen
	}
}

// ParseLength parses a four digit hexadecimal number from the given byte
// slice and returns the payload length it announces. Flush and Delim are
// returned for their reserved values.
func ParseLength(b []byte) (int, error) {
	if len(b) < lenSize {
		return Err, ErrInvalidPktLen
	}
	var tmp [lenSize]byte
	copy(tmp[:], b)
	n, err := hexDecode(tmp)
	if err != nil {
		return Err, err
	}

	switch {
	case n == Flush || n == Delim:
		return n, nil
	case n < lenSize:
		return Err, ErrInvalidPktLen
	case n > MaxPacketSize:
		return Err, ErrInvalidPktLen
	default:
		return n - lenSize, nil
	}
}

// asciiHex16 renders an int16 in lowercase hex, high nibble first.
func asciiHex16(n int) []byte {
	var ret [lenSize]byte
	for i := lenSize - 1; i >= 0; i-- {
		ret[i] = byteToASCIIHex(byte(n & 0x0f))
		n >>= 4
	}

	return ret[:]
}

func byteToASCIIHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}

	return 'a' - 10 + n
}

// Package sideband implements a muxer and demuxer of the sideband protocol:
// a stream of pkt-lines whose first payload byte selects one of three
// channels, pack data (1), progress messages (2) and fatal errors (3).
package sideband

// Type sideband type "side-band" or "side-band-64k"
type Type int8

const (
	// Sideband legacy sideband type up to 1000 byte packets
	Sideband Type = iota
	// Sideband64k sideband type up to 65520 byte packets
	Sideband64k Type = iota

	// MaxPackedSize for Sideband type
	MaxPackedSize = 1000
	// MaxPackedSize64k for Sideband64k type
	MaxPackedSize64k = 65520
)

// Channel sideband channel
type Channel byte

// WithPayload encode the payload as a message
func (ch Channel) WithPayload(payload []byte) []byte {
	return append([]byte{byte(ch)}, payload...)
}

const (
	// PackData packfile content
	PackData Channel = 1
	// ProgressMessage progress messages
	ProgressMessage Channel = 2
	// ErrorMessage fatal read error message
	ErrorMessage Channel = 3
)

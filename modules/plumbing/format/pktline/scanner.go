package pktline

import (
	"bytes"
	"io"
)

// ErrorLine models the "ERR " error-line convention used in ref
// advertisements and smart replies.
type ErrorLine struct {
	Text string
}

var errPrefix = []byte("ERR ")

func (e *ErrorLine) Error() string {
	return e.Text
}

// Scanner provides a convenient interface for reading the payloads of a
// series of pkt-lines. Successive calls to Scan will step through the
// pkt-lines of a stream.
//
// Scanning stops at EOF or the first I/O error.
type Scanner struct {
	r       io.Reader
	payload []byte
	kind    PacketKind
	err     error
}

// NewScanner returns a new Scanner to read from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Err returns the first error encountered by the Scanner.
func (s *Scanner) Err() error {
	return s.err
}

// Scan advances the Scanner through the next pkt-line. It returns false when
// the stream is exhausted or broken; Err tells those cases apart.
func (s *Scanner) Scan() bool {
	if s.err != nil {
		return false
	}
	var length int
	if length, s.err = s.readPayloadLen(); s.err != nil {
		if s.err == io.EOF {
			s.err = nil
		}
		return false
	}

	switch length {
	case Flush:
		s.kind, s.payload = FlushPacket, nil
		return true
	case Delim:
		s.kind, s.payload = DelimPacket, nil
		return true
	}
	s.kind = DataPacket
	if cap(s.payload) < length {
		s.payload = make([]byte, 0, length)
	}
	if _, s.err = io.ReadFull(s.r, s.payload[:length]); s.err != nil {
		return false
	}
	s.payload = s.payload[:length]
	if bytes.HasPrefix(s.payload, errPrefix) {
		s.err = &ErrorLine{Text: string(bytes.TrimSpace(s.payload[len(errPrefix):]))}
		return false
	}
	return true
}

// Bytes returns the payload of the last pkt-line read by Scan. Flush and
// delim packets yield a nil payload.
func (s *Scanner) Bytes() []byte {
	return s.payload
}

// Kind reports what the last call to Scan found.
func (s *Scanner) Kind() PacketKind {
	return s.kind
}

// readPayloadLen reads and validates the 4 byte length prefix. Flush and
// Delim are returned as their sentinel values.
func (s *Scanner) readPayloadLen() (int, error) {
	var tmp [lenSize]byte
	if _, err := io.ReadFull(s.r, tmp[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Err, ErrInvalidPktLen
		}
		return Err, err
	}
	return ParseLength(tmp[:])
}

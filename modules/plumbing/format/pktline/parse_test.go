package pktline

import (
	"bytes"
	"testing"
)

func TestParse(t *testing.T) {
	input := []byte("0009hey\n" + "0000" + "0001" + "000ffirst line\n" + "0009tr")
	packets, remaining, err := Parse(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 4 {
		t.Fatalf("parsed %d packets, want 4", len(packets))
	}
	kinds := []PacketKind{DataPacket, FlushPacket, DelimPacket, DataPacket}
	for i, k := range kinds {
		if packets[i].Kind != k {
			t.Fatalf("packet %d kind = %s, want %s", i, packets[i].Kind, k)
		}
	}
	if string(packets[0].Payload) != "hey\n" {
		t.Fatalf("payload[0] = %q", packets[0].Payload)
	}
	if string(remaining) != "0009tr" {
		t.Fatalf("remaining = %q", remaining)
	}
}

// Stream completeness: raw packet bytes plus the remainder always rebuild the
// input, for any split point.
func TestParseCompleteness(t *testing.T) {
	full := []byte("0009hey\n" + "0000" + "0032want 6ecf0ef2c2dffb796033e5a02219af86ec6584e5\n" + "0001" + "0004")
	for cut := 0; cut <= len(full); cut++ {
		input := full[:cut]
		packets, remaining, err := Parse(input)
		if err != nil {
			t.Fatalf("cut %d: %v", cut, err)
		}
		var rebuilt bytes.Buffer
		for _, p := range packets {
			rebuilt.Write(p.Raw)
		}
		rebuilt.Write(remaining)
		if !bytes.Equal(rebuilt.Bytes(), input) {
			t.Fatalf("cut %d: rebuilt stream differs", cut)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	packets, remaining, err := Parse([]byte("0009hey\n" + "00zz"))
	if err == nil {
		t.Fatal("expected malformed length error")
	}
	if len(packets) != 1 {
		t.Fatalf("parsed %d packets before error, want 1", len(packets))
	}
	if string(remaining) != "00zz" {
		t.Fatalf("remaining = %q", remaining)
	}
}

func TestParseIncompleteHeader(t *testing.T) {
	packets, remaining, err := Parse([]byte("00"))
	if err != nil || len(packets) != 0 || string(remaining) != "00" {
		t.Fatalf("short header should wait for more bytes: %v %v %q", packets, err, remaining)
	}
}

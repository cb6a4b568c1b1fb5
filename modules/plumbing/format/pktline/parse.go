package pktline

// Packet is one decoded pkt-line. Raw holds the exact input bytes the packet
// was decoded from, length prefix included.
type Packet struct {
	Kind    PacketKind
	Payload []byte
	Raw     []byte
}

// Parse decodes as many complete pkt-lines as buf holds and returns them
// together with the unconsumed suffix. A truncated trailing packet is left in
// the remainder so a caller can resume once more bytes arrive; concatenating
// every packet's Raw with the remainder always reproduces buf.
func Parse(buf []byte) ([]Packet, []byte, error) {
	var packets []Packet
	for len(buf) > 0 {
		if len(buf) < lenSize {
			break
		}
		length, err := ParseLength(buf[:lenSize])
		if err != nil {
			return packets, buf, err
		}
		switch length {
		case Flush:
			packets = append(packets, Packet{Kind: FlushPacket, Raw: buf[:lenSize]})
			buf = buf[lenSize:]
			continue
		case Delim:
			packets = append(packets, Packet{Kind: DelimPacket, Raw: buf[:lenSize]})
			buf = buf[lenSize:]
			continue
		}
		if len(buf) < lenSize+length {
			break
		}
		packets = append(packets, Packet{
			Kind:    DataPacket,
			Payload: buf[lenSize : lenSize+length],
			Raw:     buf[:lenSize+length],
		})
		buf = buf[lenSize+length:]
	}
	return packets, buf, nil
}

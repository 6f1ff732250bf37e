package packets

// SubackPacket represents an MQTT 3.1.1 SUBACK control packet.
type SubackPacket struct {
	PacketID uint16

	// ReturnCodes carries one entry per subscribed topic filter, in order.
	// Use SubackQoS0/1/2 for a grant or SubackFailure for a rejection.
	ReturnCodes []uint8
}

// Type returns the packet type.
func (p *SubackPacket) Type() uint8 {
	return SUBACK
}

// Encode appends the wire form of the SUBACK packet to dst.
func (p *SubackPacket) Encode(dst []byte) ([]byte, error) {
	header := FixedHeader{PacketType: SUBACK, RemainingLength: 2 + len(p.ReturnCodes)}
	dst, err := header.appendBytes(dst)
	if err != nil {
		return dst, err
	}
	dst = append(dst, byte(p.PacketID>>8), byte(p.PacketID))
	dst = append(dst, p.ReturnCodes...)
	return dst, nil
}

// DecodeSuback decodes a SUBACK packet from buf. Each return code byte
// with the top bit set is a Failure; otherwise the low two bits carry the
// granted QoS, which must be 0, 1, or 2.
func DecodeSuback(buf []byte) (*SubackPacket, error) {
	if len(buf) < 3 {
		return nil, &MalformedPacketError{Reason: "SUBACK: buffer too short"}
	}
	pkt := &SubackPacket{
		PacketID: uint16(buf[0])<<8 | uint16(buf[1]),
	}
	for _, code := range buf[2:] {
		if code&0x80 == 0 && code&0xfc != 0 {
			return nil, &MalformedPacketError{Reason: "SUBACK: invalid return code"}
		}
		if code&0x80 == 0 && code&0x03 > QoS2 {
			return nil, &MalformedPacketError{Reason: "SUBACK: granted QoS out of range"}
		}
		pkt.ReturnCodes = append(pkt.ReturnCodes, code)
	}
	return pkt, nil
}

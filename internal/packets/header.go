package packets

// FixedHeader is the fixed header present in every MQTT control packet:
// one byte of packet type and flags, followed by a 1-4 byte Remaining
// Length varint.
type FixedHeader struct {
	PacketType      uint8
	Flags           uint8
	RemainingLength int
}

// appendBytes appends the wire form of the fixed header to dst.
func (h FixedHeader) appendBytes(dst []byte) ([]byte, error) {
	dst = append(dst, (h.PacketType<<4)|(h.Flags&0x0f))
	return appendVarInt(dst, h.RemainingLength)
}

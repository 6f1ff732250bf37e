package mq_test

import (
	"github.com/coreward/mqbroker/internal/packets"
)

func encodeToBytes(pkt packets.Packet) []byte {
	buf, err := pkt.Encode(nil)
	if err != nil {
		panic(err)
	}
	return buf
}

package packets

import "io"

// Framer incrementally decodes a stream of MQTT packets off an io.Reader,
// growing an internal buffer only as far as each packet needs and reusing
// it across calls. It implements the read/retry contract described by
// Decode: a short read grows the buffer and tries again without discarding
// what was already buffered.
type Framer struct {
	r             io.Reader
	buf           []byte
	read          []byte
	maxPacketSize int
}

// NewFramer returns a Framer reading packets from r. maxPacketSize bounds
// the total frame size; 0 means the MQTT protocol maximum.
func NewFramer(r io.Reader, maxPacketSize int) *Framer {
	return &Framer{
		r:             r,
		buf:           make([]byte, 0, 4096),
		maxPacketSize: maxPacketSize,
	}
}

// Next blocks until a full packet is available and returns it. It returns
// io.EOF (or the underlying read error) if the connection closes with no
// partial packet pending, and a *MalformedPacketError or
// *PayloadSizeLimitExceededError if the stream cannot be a valid packet
// sequence.
func (f *Framer) Next() (Packet, error) {
	for {
		pkt, consumed, err := Decode(f.buf, f.maxPacketSize)
		if err == nil {
			f.buf = append(f.buf[:0], f.buf[consumed:]...)
			return pkt, nil
		}
		if err != ErrInsufficientBytes {
			return nil, err
		}
		if err := f.fill(); err != nil {
			return nil, err
		}
	}
}

func (f *Framer) fill() error {
	if len(f.buf) == cap(f.buf) {
		grown := make([]byte, len(f.buf), cap(f.buf)*2)
		copy(grown, f.buf)
		f.buf = grown
	}
	n, err := f.r.Read(f.buf[len(f.buf):cap(f.buf)])
	f.buf = f.buf[:len(f.buf)+n]
	if n > 0 {
		return nil
	}
	return err
}

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen bounds the size of a single message frame. A peer announcing a
// larger frame is violating the protocol and the connection must be closed.
const MaxFrameLen = 64 << 20

// WriteFrame writes one length-prefixed message frame: a 4-byte little-endian
// payload length followed by exactly that many payload bytes. Payloads over
// MaxFrameLen are rejected before anything reaches the wire, since no
// conforming receiver would accept them.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("frame length %d exceeds limit %d", len(payload), MaxFrameLen)
	}

	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one message frame off r. Frame boundaries are exact: a
// short read is an error and the caller must close the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", size, MaxFrameLen)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Standard header field keys.
const (
	FieldTopic    = "topic"
	FieldService  = "service"
	FieldType     = "type"
	FieldChecksum = "md5sum"
	FieldCallerID = "callerid"
	FieldError    = "error"
)

// maxHeaderLen bounds the size of a handshake header. A peer announcing a
// larger header is violating the protocol.
const maxHeaderLen = 1 << 20

// Header is the set of key=value fields exchanged during the connection
// handshake, before any frame is streamed.
type Header map[string]string

// WriteHeader writes h as a length-prefixed block of length-prefixed
// "key=value" fields. Fields are written in sorted key order so the encoding
// is deterministic.
func WriteHeader(w io.Writer, h Header) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body []byte
	for _, k := range keys {
		field := k + "=" + h[k]
		body = binary.LittleEndian.AppendUint32(body, uint32(len(field)))
		body = append(body, field...)
	}

	buf := binary.LittleEndian.AppendUint32(nil, uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a handshake header off r.
func ReadHeader(r io.Reader) (Header, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	total := binary.LittleEndian.Uint32(lenBuf[:])
	if total > maxHeaderLen {
		return nil, fmt.Errorf("header length %d exceeds limit %d", total, maxHeaderLen)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	h := Header{}
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("truncated header field length")
		}
		fieldLen := binary.LittleEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < fieldLen {
			return nil, fmt.Errorf("truncated header field")
		}
		field := string(body[:fieldLen])
		body = body[fieldLen:]

		idx := strings.Index(field, "=")
		if idx < 0 {
			return nil, fmt.Errorf("malformed header field %q", field)
		}
		h[field[:idx]] = field[idx+1:]
	}

	return h, nil
}

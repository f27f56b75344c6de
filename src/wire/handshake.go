package wire

import (
	"fmt"
	"io"
)

// Handshake is the parsed form of a connection-establishment header. Exactly
// one of Topic or Service is set.
type Handshake struct {
	Topic    string
	Service  string
	Type     string
	Checksum string
	CallerID string
}

// Header renders the handshake as a wire header.
func (h Handshake) Header() Header {
	out := Header{
		FieldType:     h.Type,
		FieldChecksum: h.Checksum,
		FieldCallerID: h.CallerID,
	}
	if h.Topic != "" {
		out[FieldTopic] = h.Topic
	}
	if h.Service != "" {
		out[FieldService] = h.Service
	}
	return out
}

// ParseHandshake extracts a Handshake from a wire header. Headers carrying
// neither a topic nor a service field are rejected.
func ParseHandshake(h Header) (Handshake, error) {
	hs := Handshake{
		Topic:    h[FieldTopic],
		Service:  h[FieldService],
		Type:     h[FieldType],
		Checksum: h[FieldChecksum],
		CallerID: h[FieldCallerID],
	}

	if hs.Topic == "" && hs.Service == "" {
		return hs, fmt.Errorf("handshake names neither topic nor service")
	}
	if hs.Checksum == "" {
		return hs, fmt.Errorf("handshake carries no checksum")
	}

	return hs, nil
}

// WriteHandshake sends the initiator's side of the handshake.
func WriteHandshake(w io.Writer, h Handshake) error {
	return WriteHeader(w, h.Header())
}

// WriteHandshakeError sends a rejection header to the remote peer. It is the
// receiver's last word before closing the connection.
func WriteHandshakeError(w io.Writer, reason string) error {
	return WriteHeader(w, Header{FieldError: reason})
}

// ReadHandshakeReply reads the receiver's reply header and surfaces a remote
// rejection as an error.
func ReadHandshakeReply(r io.Reader) (Header, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if reason := h[FieldError]; reason != "" {
		return nil, fmt.Errorf("handshake rejected by peer: %s", reason)
	}
	return h, nil
}

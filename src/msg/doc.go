// Package msg defines the message type descriptor consumed by the transport
// core.
//
// The core never generates message code; it only relies on a Type being able
// to name itself, produce a content-derived checksum of its field layout, and
// encode/decode message values. CodecType is the built-in implementation,
// deriving both the checksum and the serialization from a Go struct
// prototype.
package msg

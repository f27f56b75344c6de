// Package wire implements the streaming wire protocol spoken between nodes.
//
// A connection starts with a handshake: the initiator sends a header naming
// the topic or service, the message type name, the type checksum, and its
// caller id. The receiver validates the checksum against its own descriptor
// and replies with either its own header or an error field, after which it
// closes the connection. After a successful handshake the stream carries
// frames: a 4-byte little-endian length prefix followed by exactly that many
// encoded-message bytes. Frame boundaries are exact; reading fewer or more
// bytes than the prefix indicates is a protocol violation and the connection
// must be closed.
package wire

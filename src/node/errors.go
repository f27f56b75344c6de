package node

import "fmt"

// ErrType classifies the failures surfaced by the public session API.
type ErrType uint32

const (
	// DuplicateRegistration is returned by advertise or service registration
	// on a name that is already registered on this node.
	DuplicateRegistration ErrType = iota
	// UnknownTopicOrService is returned by operations on a name that was
	// never registered.
	UnknownTopicOrService
	// TypeMismatch is returned when checksums or descriptors disagree, at
	// handshake time or when adding a callback to an existing subscription.
	TypeMismatch
	// RegistryUnreachable is returned when an RPC to the registry failed.
	RegistryUnreachable
	// TransportClosed is returned when a peer closed mid-stream or mid-call.
	TransportClosed
	// PortExhausted is returned when no free port was found within the scan
	// limit.
	PortExhausted
	// NotRunning is returned by operations on a session that is not in the
	// Running state.
	NotRunning
)

// Err is the error value returned across the public session API.
type Err struct {
	errType ErrType
	name    string
	cause   error
}

// NewErr wraps a failure concerning the topic, service, or address name.
func NewErr(errType ErrType, name string, cause error) Err {
	return Err{
		errType: errType,
		name:    name,
		cause:   cause,
	}
}

// Error implements the error interface.
func (e Err) Error() string {
	m := ""
	switch e.errType {
	case DuplicateRegistration:
		m = "Already Registered"
	case UnknownTopicOrService:
		m = "Unknown Topic Or Service"
	case TypeMismatch:
		m = "Type Mismatch"
	case RegistryUnreachable:
		m = "Registry Unreachable"
	case TransportClosed:
		m = "Transport Closed"
	case PortExhausted:
		m = "Port Exhausted"
	case NotRunning:
		m = "Not Running"
	}

	if e.cause != nil {
		return fmt.Sprintf("%s, %s: %v", e.name, m, e.cause)
	}
	return fmt.Sprintf("%s, %s", e.name, m)
}

// Unwrap exposes the underlying cause.
func (e Err) Unwrap() error {
	return e.cause
}

// Is checks that an error is of type Err and that its code matches the
// provided ErrType.
func Is(err error, t ErrType) bool {
	nodeErr, ok := err.(Err)
	return ok && nodeErr.errType == t
}

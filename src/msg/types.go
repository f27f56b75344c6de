package msg

// LogEntry is the payload of the node's diagnostic log topic.
type LogEntry struct {
	Level string
	Node  string
	Text  string
	Stamp int64
}

// Clock is the payload of the simulated-time topic. It carries the current
// simulated time as seconds and nanoseconds since the epoch.
type Clock struct {
	Sec  int64
	NSec int64
}

// Built-in types used by the session itself.
var (
	LogType   = NewType("robomesh/Log", LogEntry{})
	ClockType = NewType("robomesh/Clock", Clock{})
)

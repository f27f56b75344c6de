package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pose struct {
	X, Y, Z float64
	Frame   string
}

type poseRenamed struct {
	X, Y, W float64
	Frame   string
}

func TestChecksumStable(t *testing.T) {
	a := NewType("test/Pose", pose{})
	b := NewType("test/Pose", pose{})

	assert.Equal(t, a.Checksum(), b.Checksum())
}

func TestChecksumSensitivity(t *testing.T) {
	base := NewType("test/Pose", pose{})

	// A different field layout must yield a different checksum.
	renamed := NewType("test/Pose", poseRenamed{})
	assert.NotEqual(t, base.Checksum(), renamed.Checksum())

	// So must a different type name over the same layout.
	otherName := NewType("test/Pose2", pose{})
	assert.NotEqual(t, base.Checksum(), otherName.Checksum())
}

func TestEncodeDecode(t *testing.T) {
	typ := NewType("test/Pose", pose{})

	in := pose{X: 1.5, Y: -2, Z: 0.25, Frame: "base_link"}
	data, err := typ.Encode(in)
	require.NoError(t, err)

	out, err := typ.Decode(data)
	require.NoError(t, err)

	decoded, ok := out.(*pose)
	require.True(t, ok)
	assert.Equal(t, in, *decoded)
}

func TestBuiltinTypes(t *testing.T) {
	data, err := LogType.Encode(LogEntry{Level: "warn", Node: "n1", Text: "low battery"})
	require.NoError(t, err)

	out, err := LogType.Decode(data)
	require.NoError(t, err)

	entry := out.(*LogEntry)
	assert.Equal(t, "low battery", entry.Text)

	assert.NotEqual(t, LogType.Checksum(), ClockType.Checksum())
}

func TestNonStructPrototypePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewType("test/Bad", 42)
	})
}

package msg

import (
	"crypto/md5"
	"fmt"
	"reflect"
	"strings"

	"github.com/ugorji/go/codec"
)

// Type describes a message type exchanged on topics and services. Two peers
// may exchange a topic only if their checksums match exactly; descriptors are
// compared by checksum equality, never by structural inspection.
type Type interface {
	// Name returns the fully qualified type name, eg. "robomesh/Log".
	Name() string

	// Checksum returns the content-derived hash of the type's field layout.
	Checksum() string

	// Encode serializes a message value to bytes.
	Encode(v interface{}) ([]byte, error)

	// Decode deserializes bytes into a new message value.
	Decode(data []byte) (interface{}, error)
}

var msgpack codec.MsgpackHandle

// CodecType is a Type backed by a Go struct prototype. Values are serialized
// with msgpack and the checksum is derived from the struct's field layout, so
// two nodes compiled against the same struct definition agree on the wire
// format.
type CodecType struct {
	name     string
	checksum string
	proto    reflect.Type
}

// NewType creates a CodecType from a type name and a struct prototype. The
// prototype must be a struct or a pointer to one.
func NewType(name string, prototype interface{}) *CodecType {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("msg: prototype for %s is not a struct", name))
	}

	return &CodecType{
		name:     name,
		checksum: layoutChecksum(name, t),
		proto:    t,
	}
}

// Name implements the Type interface.
func (c *CodecType) Name() string {
	return c.name
}

// Checksum implements the Type interface.
func (c *CodecType) Checksum() string {
	return c.checksum
}

// Encode implements the Type interface.
func (c *CodecType) Encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &msgpack).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", c.name, err)
	}
	return buf, nil
}

// Decode implements the Type interface. The returned value is a pointer to a
// freshly allocated instance of the prototype struct.
func (c *CodecType) Decode(data []byte) (interface{}, error) {
	v := reflect.New(c.proto).Interface()
	if err := codec.NewDecoderBytes(data, &msgpack).Decode(v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", c.name, err)
	}
	return v, nil
}

// layoutChecksum hashes the canonical text rendering of a struct's field
// layout. Field order matters; names and types both contribute.
func layoutChecksum(name string, t reflect.Type) string {
	var b strings.Builder

	b.WriteString(name)
	b.WriteByte('\n')
	writeLayout(&b, t, map[reflect.Type]bool{})

	return fmt.Sprintf("%x", md5.Sum([]byte(b.String())))
}

func writeLayout(b *strings.Builder, t reflect.Type, seen map[reflect.Type]bool) {
	if seen[t] {
		return
	}
	seen[t] = true

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		b.WriteString(f.Name)
		b.WriteByte(' ')
		b.WriteString(f.Type.String())
		b.WriteByte('\n')

		ft := f.Type
		for ft.Kind() == reflect.Ptr || ft.Kind() == reflect.Slice || ft.Kind() == reflect.Array {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			writeLayout(b, ft, seen)
		}
	}
}

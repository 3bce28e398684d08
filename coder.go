package distobj

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/glycerine/greenpack/msgp"
	gjson "github.com/goccy/go-json"
)

// ValueCoder serializes one family of by-copy values. The tag is
// written on the wire next to each argument so the receiver can
// pick the matching coder.
type ValueCoder interface {
	Tag() string

	// Match reports whether this coder should encode v.
	Match(v any) bool

	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// MsgpMarshaler is satisfied by greenpack generated types.
type MsgpMarshaler interface {
	MarshalMsg(b []byte) ([]byte, error)
}

// MsgpUnmarshaler is satisfied by greenpack generated types.
type MsgpUnmarshaler interface {
	UnmarshalMsg(b []byte) ([]byte, error)
}

// JSONValue is what the "json" coder decodes to; use ArgAs
// or Unmarshal to get a typed value back out.
type JSONValue []byte

// Unmarshal decodes the JSON into dst.
func (j JSONValue) Unmarshal(dst any) error {
	return gjson.Unmarshal(j, dst)
}

// CoderRegistry is the pluggable payload coder. It is consulted
// in registration order for encoding, and by tag for decoding.
// Builtins come first, the JSON fallback last.
type CoderRegistry struct {
	mut   sync.RWMutex
	order []ValueCoder
	byTag map[string]ValueCoder
	json  ValueCoder
}

// NewCoderRegistry returns a registry holding the builtin coders:
// nil, bool, int, uint, float, string, bytes, and the json fallback.
func NewCoderRegistry() *CoderRegistry {
	r := &CoderRegistry{
		byTag: make(map[string]ValueCoder),
	}
	for _, c := range []ValueCoder{
		nilCoder{}, boolCoder{}, intCoder{}, uintCoder{},
		floatCoder{}, stringCoder{}, bytesCoder{},
	} {
		r.Register(c)
	}
	r.json = jsonCoder{}
	r.byTag[r.json.Tag()] = r.json
	return r
}

var defaultCoders = NewCoderRegistry()

// Register adds c ahead of the json fallback. Re-registering a
// tag replaces the previous coder.
func (r *CoderRegistry) Register(c ValueCoder) {
	if c.Tag() == "" {
		panic("ValueCoder with an empty tag")
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	if prev, ok := r.byTag[c.Tag()]; ok {
		for i := range r.order {
			if r.order[i] == prev {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.byTag[c.Tag()] = c
	r.order = append(r.order, c)
}

// RegisterMsgpType registers a greenpack type under tag. proto
// returns a fresh zero value to decode into.
func (r *CoderRegistry) RegisterMsgpType(tag string, proto func() MsgpUnmarshaler) {
	sample := proto()
	r.Register(&msgpTypeCoder{
		tag:   tag,
		typ:   reflect.TypeOf(sample),
		proto: proto,
	})
}

// EncodeValue picks a coder for v and serializes it.
func (r *CoderRegistry) EncodeValue(v any) (tag string, b []byte, err error) {
	r.mut.RLock()
	var c ValueCoder
	for _, cand := range r.order {
		if cand.Match(v) {
			c = cand
			break
		}
	}
	if c == nil {
		c = r.json
	}
	r.mut.RUnlock()

	b, err = c.Encode(v)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %T with coder '%v': %v: %w", v, c.Tag(), err, ErrPayloadTypeMismatch)
	}
	return c.Tag(), b, nil
}

// DecodeValue decodes b with the coder registered for tag.
func (r *CoderRegistry) DecodeValue(tag string, b []byte) (any, error) {
	r.mut.RLock()
	c, ok := r.byTag[tag]
	r.mut.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no coder for type tag '%v': %w", tag, ErrPayloadTypeMismatch)
	}
	v, err := c.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("decoding type tag '%v': %v: %w", tag, err, ErrPayloadTypeMismatch)
	}
	return v, nil
}

// builtin coders, all on greenpack msgp primitives.

// whole checks a builtin decode of b: msgp reads a nil as the
// zero value, so refuse that, and refuse anything left over.
func whole(b, rest []byte, err error) error {
	switch {
	case err != nil:
		return err
	case msgp.IsNil(b):
		return fmt.Errorf("nil where a value belongs")
	case len(rest) != 0:
		return fmt.Errorf("%v bytes after the value", len(rest))
	}
	return nil
}

type nilCoder struct{}

func (nilCoder) Tag() string                  { return "nil" }
func (nilCoder) Match(v any) bool             { return v == nil }
func (nilCoder) Encode(v any) ([]byte, error) { return msgp.AppendNil(nil), nil }
func (nilCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	rest, err := nbs.ReadNilBytes(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%v bytes after the nil", len(rest))
	}
	return nil, nil
}

type boolCoder struct{}

func (boolCoder) Tag() string { return "bool" }
func (boolCoder) Match(v any) bool {
	_, ok := v.(bool)
	return ok
}
func (boolCoder) Encode(v any) ([]byte, error) { return msgp.AppendBool(nil, v.(bool)), nil }
func (boolCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadBoolBytes(b)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

// intCoder carries every signed integer kind; it decodes to int64.
type intCoder struct{}

func (intCoder) Tag() string { return "int" }
func (intCoder) Match(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64:
		return true
	}
	return false
}
func (intCoder) Encode(v any) ([]byte, error) {
	var i int64
	switch x := v.(type) {
	case int:
		i = int64(x)
	case int8:
		i = int64(x)
	case int16:
		i = int64(x)
	case int32:
		i = int64(x)
	case int64:
		i = x
	}
	return msgp.AppendInt64(nil, i), nil
}
func (intCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadInt64Bytes(b)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

// uintCoder carries every unsigned integer kind; it decodes to uint64.
type uintCoder struct{}

func (uintCoder) Tag() string { return "uint" }
func (uintCoder) Match(v any) bool {
	switch v.(type) {
	case uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
func (uintCoder) Encode(v any) ([]byte, error) {
	var u uint64
	switch x := v.(type) {
	case uint:
		u = uint64(x)
	case uint8:
		u = uint64(x)
	case uint16:
		u = uint64(x)
	case uint32:
		u = uint64(x)
	case uint64:
		u = x
	}
	return msgp.AppendUint64(nil, u), nil
}
func (uintCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadUint64Bytes(b)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

type floatCoder struct{}

func (floatCoder) Tag() string { return "float" }
func (floatCoder) Match(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return false
}
func (floatCoder) Encode(v any) ([]byte, error) {
	var f float64
	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	}
	return msgp.AppendFloat64(nil, f), nil
}
func (floatCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadFloat64Bytes(b)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

type stringCoder struct{}

func (stringCoder) Tag() string { return "string" }
func (stringCoder) Match(v any) bool {
	_, ok := v.(string)
	return ok
}
func (stringCoder) Encode(v any) ([]byte, error) { return msgp.AppendString(nil, v.(string)), nil }
func (stringCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadStringBytes(b)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

type bytesCoder struct{}

func (bytesCoder) Tag() string { return "bytes" }
func (bytesCoder) Match(v any) bool {
	_, ok := v.([]byte)
	return ok
}
func (bytesCoder) Encode(v any) ([]byte, error) { return msgp.AppendBytes(nil, v.([]byte)), nil }
func (bytesCoder) Decode(b []byte) (any, error) {
	var nbs msgp.NilBitsStack
	v, rest, err := nbs.ReadBytesBytes(b, nil)
	if err = whole(b, rest, err); err != nil {
		return nil, err
	}
	return v, nil
}

// jsonCoder is the fallback for anything no other coder claims.
type jsonCoder struct{}

func (jsonCoder) Tag() string                  { return "json" }
func (jsonCoder) Match(v any) bool             { return true }
func (jsonCoder) Encode(v any) ([]byte, error) { return gjson.Marshal(v) }
func (jsonCoder) Decode(b []byte) (any, error) {
	if !gjson.Valid(b) {
		return nil, fmt.Errorf("invalid json")
	}
	return JSONValue(append([]byte{}, b...)), nil
}

type msgpTypeCoder struct {
	tag   string
	typ   reflect.Type
	proto func() MsgpUnmarshaler
}

func (c *msgpTypeCoder) Tag() string { return c.tag }
func (c *msgpTypeCoder) Match(v any) bool {
	return v != nil && reflect.TypeOf(v) == c.typ
}
func (c *msgpTypeCoder) Encode(v any) ([]byte, error) {
	m, ok := v.(MsgpMarshaler)
	if !ok {
		return nil, fmt.Errorf("%T does not implement MarshalMsg", v)
	}
	return m.MarshalMsg(nil)
}
func (c *msgpTypeCoder) Decode(b []byte) (any, error) {
	v := c.proto()
	rest, err := v.UnmarshalMsg(b)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%v bytes after the %v value", len(rest), c.tag)
	}
	return v, nil
}

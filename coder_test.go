package distobj

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test120_builtin_coders_round_trip(t *testing.T) {

	cv.Convey("builtin coders pick a tag by type and decode to the widened Go type", t, func() {
		r := NewCoderRegistry()

		check := func(v any, wantTag string, want any) {
			tag, b, err := r.EncodeValue(v)
			panicOn(err)
			cv.So(tag, cv.ShouldEqual, wantTag)
			got, err := r.DecodeValue(tag, b)
			panicOn(err)
			cv.So(got, cv.ShouldResemble, want)
		}
		check(nil, "nil", nil)
		check(true, "bool", true)
		check(int32(-7), "int", int64(-7))
		check(42, "int", int64(42))
		check(uint8(200), "uint", uint64(200))
		check(float32(1.5), "float", float64(1.5))
		check("hi", "string", "hi")
		check([]byte{1, 2, 3}, "bytes", []byte{1, 2, 3})
	})

	cv.Convey("anything else falls back to json, and JSONValue unmarshals into the caller's type", t, func() {
		r := NewCoderRegistry()
		tag, b, err := r.EncodeValue(Args{A: 3, B: 4})
		panicOn(err)
		cv.So(tag, cv.ShouldEqual, "json")
		got, err := r.DecodeValue(tag, b)
		panicOn(err)
		j, ok := got.(JSONValue)
		cv.So(ok, cv.ShouldBeTrue)
		var args Args
		panicOn(j.Unmarshal(&args))
		cv.So(args, cv.ShouldResemble, Args{A: 3, B: 4})
	})
}

func Test121_coder_errors_are_payload_type_mismatches(t *testing.T) {

	cv.Convey("unknown tags, bad bytes, and unencodable values all report ErrPayloadTypeMismatch", t, func() {
		r := NewCoderRegistry()

		_, err := r.DecodeValue("no-such-tag", []byte{0xc0})
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)

		// a msgpack string is not an int.
		_, b, _ := r.EncodeValue("not an int")
		_, err = r.DecodeValue("int", b)
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)

		// junk after a whole value, or a nil standing in for one.
		_, b, _ = r.EncodeValue(int64(7))
		_, err = r.DecodeValue("int", append(b, 0x01))
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)
		_, err = r.DecodeValue("string", []byte{0xc0})
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)
		_, err = r.DecodeValue("nil", []byte{0xc0, 0xc0})
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)

		_, err = r.DecodeValue("json", []byte("{not json"))
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)

		_, _, err = r.EncodeValue(make(chan int))
		cv.So(errors.Is(err, ErrPayloadTypeMismatch), cv.ShouldBeTrue)
	})
}

// upperCoder claims strings and sends them upper-cased.
type upperCoder struct{}

func (upperCoder) Tag() string { return "upper" }
func (upperCoder) Match(v any) bool {
	_, ok := v.(string)
	return ok
}
func (upperCoder) Encode(v any) ([]byte, error) {
	return bytes.ToUpper([]byte(v.(string))), nil
}
func (upperCoder) Decode(b []byte) (any, error) { return string(b), nil }

// shoutCoder replaces the builtin "string" coder.
type shoutCoder struct{}

func (shoutCoder) Tag() string { return "string" }
func (shoutCoder) Match(v any) bool {
	_, ok := v.(string)
	return ok
}
func (shoutCoder) Encode(v any) ([]byte, error) { return []byte(v.(string) + "!"), nil }
func (shoutCoder) Decode(b []byte) (any, error) { return string(b), nil }

func Test122_registered_coders_are_consulted_in_order(t *testing.T) {

	cv.Convey("a coder registered after a builtin that matches the same values is only reached by its tag", t, func() {
		r := NewCoderRegistry()
		r.Register(upperCoder{})
		tag, _, err := r.EncodeValue("abc")
		panicOn(err)
		cv.So(tag, cv.ShouldEqual, "string")

		got, err := r.DecodeValue("upper", []byte("ABC"))
		panicOn(err)
		cv.So(got, cv.ShouldEqual, "ABC")
	})

	cv.Convey("re-registering a tag replaces the previous coder", t, func() {
		r := NewCoderRegistry()
		r.Register(shoutCoder{})
		tag, b, err := r.EncodeValue("abc")
		panicOn(err)
		cv.So(tag, cv.ShouldEqual, "string")
		cv.So(string(b), cv.ShouldEqual, "abc!")

		// the default registry is untouched.
		_, b2, err := defaultCoders.EncodeValue("abc")
		panicOn(err)
		cv.So(string(b2), cv.ShouldNotEqual, "abc!")
		cv.So(fmt.Sprintf("%x", b2), cv.ShouldNotBeEmpty)
	})
}

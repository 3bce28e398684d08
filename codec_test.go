package distobj

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/glycerine/greenpack/msgp"
)

func sampleInvocation() *Invocation {
	return &Invocation{
		MsgID:        9,
		Direction:    Request,
		Target:       5,
		Operation:    "Incr",
		Conversation: "conv-1",
		Args: []Argument{
			Copy(int64(3)),
			Copy("hi"),
			{Policy: ByRef, Owner: OwnedBySender, Handle: 7},
			{Policy: ByRef, Owner: OwnedByReceiver, Handle: 2},
			Copy(Args{A: 1, B: 2}),
		},
	}
}

func Test140_raw_codec_is_idempotent(t *testing.T) {

	cv.Convey("EncodeInvocation(DecodeInvocation(b)) reproduces b exactly, with or without compression", t, func() {
		for _, algo := range []compressAlgo{compressNone, compressS2, compressLZ4, compressZstd} {
			inv := sampleInvocation()
			inv.compression = algo
			inv.Return = &Argument{Policy: ByRef, Owner: OwnedBySender, Handle: 11}
			inv.Exception = &ExceptionRecord{Kind: KindApplication, Description: "boom"}
			inv.AuthData = []byte("signature")

			b, err := EncodeInvocation(inv, nil)
			panicOn(err)
			cv.So(b[0], cv.ShouldEqual, byte(algo))

			inv2, err := DecodeInvocation(b, nil)
			panicOn(err)
			b2, err := EncodeInvocation(inv2, nil)
			panicOn(err)
			cv.So(bytes.Equal(b, b2), cv.ShouldBeTrue)

			cv.So(inv2.Target, cv.ShouldEqual, 5)
			cv.So(inv2.Operation, cv.ShouldEqual, "Incr")
			cv.So(inv2.Conversation, cv.ShouldEqual, "conv-1")
			cv.So(inv2.NumArgs(), cv.ShouldEqual, 5)
			cv.So(inv2.Args[0].Tag, cv.ShouldEqual, "int")
			cv.So(inv2.Args[2].Policy, cv.ShouldEqual, ByRef)
			cv.So(inv2.Args[2].Owner, cv.ShouldEqual, OwnedBySender)
			cv.So(inv2.Args[2].Handle, cv.ShouldEqual, 7)
			cv.So(inv2.Args[3].Owner, cv.ShouldEqual, OwnedByReceiver)
			cv.So(inv2.Args[4].Tag, cv.ShouldEqual, "json")
			cv.So(inv2.Return.Handle, cv.ShouldEqual, 11)
			cv.So(inv2.Exception.Description, cv.ShouldEqual, "boom")
			cv.So(string(inv2.AuthData), cv.ShouldEqual, "signature")
		}
	})
}

func Test141_raw_decode_leaves_values_undecoded(t *testing.T) {

	cv.Convey("without a Connection, by-copy values stay as tagged bytes and decode with the coders", t, func() {
		b, err := EncodeInvocation(sampleInvocation(), nil)
		panicOn(err)
		inv, err := DecodeInvocation(b, nil)
		panicOn(err)
		cv.So(inv.Args[1].Value, cv.ShouldBeNil)

		v, err := defaultCoders.DecodeValue(inv.Args[1].Tag, inv.Args[1].Payload)
		panicOn(err)
		cv.So(v, cv.ShouldEqual, "hi")
	})
}

func Test142_malformed_envelopes_are_rejected(t *testing.T) {

	cv.Convey("truncated, padded, or nonsense payloads fail with ErrMalformedEnvelope", t, func() {
		good, err := EncodeInvocation(sampleInvocation(), nil)
		panicOn(err)

		bad := [][]byte{
			nil,
			{},
			{9},                                     // compression byte out of range
			{0, 1, 2, 3},                            // junk body
			good[:len(good)-1],                      // truncated
			append(append([]byte{}, good...), 0x01), // trailing byte
			append([]byte{byte(compressZstd)}, good[1:]...), // not zstd at all
		}
		for _, b := range bad {
			_, err := DecodeInvocation(b, nil)
			cv.So(errors.Is(err, ErrMalformedEnvelope), cv.ShouldBeTrue)
		}
	})

	cv.Convey("a by-reference argument with handle 0, or an unknown owner, is malformed", t, func() {
		for _, a := range []Argument{
			{Policy: ByRef, Owner: OwnedBySender, Handle: 0},
			{Policy: ByRef, Owner: RefOwner(5), Handle: 3},
		} {
			inv := &Invocation{Target: 1, Operation: "x", Args: []Argument{a}}
			b, err := EncodeInvocation(inv, nil)
			panicOn(err)
			_, err = DecodeInvocation(b, nil)
			cv.So(errors.Is(err, ErrMalformedEnvelope), cv.ShouldBeTrue)
		}
	})

	cv.Convey("an untagged by-copy argument, or a field not in its shortest form, is malformed", t, func() {
		inv := &Invocation{Target: 1, Operation: "op", Args: []Argument{Copy(int64(4))}}
		good, err := EncodeInvocation(inv, nil)
		panicOn(err)
		_, err = DecodeInvocation(good, nil)
		panicOn(err)

		// each of these re-encodes to different bytes than it came in as.
		for _, sub := range [][2][]byte{
			{msgp.AppendString(nil, "int"), msgp.AppendString(nil, "")},
			{msgp.AppendString(nil, "op"), {0xd9, 2, 'o', 'p'}},
			{msgp.AppendString(nil, "op"), {0xc0}},
		} {
			b := rewriteInner(good, sub[0], sub[1])
			_, err := DecodeInvocation(b, nil)
			cv.So(errors.Is(err, ErrMalformedEnvelope), cv.ShouldBeTrue)
		}
	})

	cv.Convey("a payload that inflates past the max frame size is malformed", t, func() {
		inv := &Invocation{Target: 1, Operation: "x", Args: []Argument{Copy(strings.Repeat("a", 1<<20))}}
		inv.compression = compressS2
		b, err := EncodeInvocation(inv, nil)
		panicOn(err)
		cv.So(len(b), cv.ShouldBeLessThan, 1<<20)
		_, _, err = decodeEnvelope(b, 64<<10)
		cv.So(errors.Is(err, ErrMalformedEnvelope), cv.ShouldBeTrue)
	})
}

// rewriteInner swaps old for new inside the signed inner record
// of an uncompressed envelope, fixing up the length in front of it.
func rewriteInner(b, old, new []byte) []byte {
	if b[0] != byte(compressNone) {
		panic("rewriteInner wants an uncompressed envelope")
	}
	var nbs msgp.NilBitsStack
	inner, rest, err := nbs.ReadBytesBytes(b[1:], nil)
	panicOn(err)
	if !bytes.Contains(inner, old) {
		panic(fmt.Sprintf("% x not in inner record", old))
	}
	inner = bytes.Replace(inner, old, new, 1)
	out := []byte{byte(compressNone)}
	out = msgp.AppendBytes(out, inner)
	return append(out, rest...)
}

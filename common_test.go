package distobj

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test100_frame_round_trips_through_workspace(t *testing.T) {

	cv.Convey("appendFrame then readFrame gives back the same frame, and back-to-back frames stay in sync", t, func() {
		w := newWorkspace(0)
		f1 := &Frame{MsgID: 42, Kind: KindRequest, Payload: []byte("hello")}
		f2 := &Frame{MsgID: 43, Kind: KindControl} // heartbeat

		buf, err := w.appendFrame(nil, f1)
		panicOn(err)
		buf, err = w.appendFrame(buf, f2)
		panicOn(err)
		cv.So(len(buf), cv.ShouldEqual, 2*(4+frameFixedLen)+5)

		r := bufio.NewReader(bytes.NewReader(buf))
		rw := newWorkspace(0)
		g1, err := rw.readFrame(r)
		panicOn(err)
		cv.So(g1.MsgID, cv.ShouldEqual, 42)
		cv.So(g1.Kind, cv.ShouldEqual, KindRequest)
		cv.So(string(g1.Payload), cv.ShouldEqual, "hello")

		g2, err := rw.readFrame(r)
		panicOn(err)
		cv.So(g2.MsgID, cv.ShouldEqual, 43)
		cv.So(g2.Kind, cv.ShouldEqual, KindControl)
		cv.So(len(g2.Payload), cv.ShouldEqual, 0)
	})
}

func Test101_frame_size_limits(t *testing.T) {

	cv.Convey("frames over the max size are refused on both the write and the read side", t, func() {
		small := newWorkspace(32)
		_, err := small.appendFrame(nil, &Frame{MsgID: 1, Payload: make([]byte, 100)})
		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)

		big := newWorkspace(0)
		buf, err := big.appendFrame(nil, &Frame{MsgID: 1, Payload: make([]byte, 100)})
		panicOn(err)
		_, err = small.readFrame(bufio.NewReader(bytes.NewReader(buf)))
		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)

		// a length below the fixed header cannot be a frame.
		bad := []byte{0, 0, 0, 3, 0, 0, 0, 0, 0, 0, 0, 1, byte(KindRequest)}
		cv.So(len(bad), cv.ShouldEqual, 4+frameFixedLen)
		_, err = big.readFrame(bufio.NewReader(bytes.NewReader(bad)))
		cv.So(errors.Is(err, ErrMalformedEnvelope), cv.ShouldBeTrue)

		// a stream that ends inside the header is just short.
		_, err = big.readFrame(bufio.NewReader(bytes.NewReader(bad[:7])))
		cv.So(errors.Is(err, io.ErrUnexpectedEOF), cv.ShouldBeTrue)
	})
}

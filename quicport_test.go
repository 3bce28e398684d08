package distobj

import (
	"context"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test260_calls_over_quic(t *testing.T) {

	cv.Convey("a Server on a QUIC listener answers calls from a quic:// Dial", t, func() {
		lsn, err := ListenQUICPorts("127.0.0.1:0", nil)
		panicOn(err)
		srv := NewServer(nil, &Arith{})
		srv.Start(lsn)
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := Dial(ctx, "quic://"+lsn.Addr(), nil, nil)
		panicOn(err)
		defer conn.Invalidate()

		stub := &ArithStub{P: rootProxy(conn)}
		sum, err := stub.Add(19, 23)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 42)
		reply, err := stub.Mul(Args{A: 6, B: 7})
		panicOn(err)
		cv.So(reply.C, cv.ShouldEqual, 42)
		cv.So(conn.WaitForHello(5*time.Second), cv.ShouldBeNil)

		dir := NewMemoryDirectory()
		panicOn(srv.Publish(ctx, dir, "quic-arith"))
		ep, err := dir.Resolve(ctx, "quic-arith")
		panicOn(err)
		cv.So(ep, cv.ShouldEqual, "quic://"+lsn.Addr())
	})
}

package distobj

import (
	"context"
	"errors"
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test230_memory_directory(t *testing.T) {

	cv.Convey("MemoryDirectory registers, resolves, and unregisters names", t, func() {
		ctx := context.Background()
		d := NewMemoryDirectory()
		panicOn(d.Register(ctx, "hub", "tcp://10.0.0.5:7000"))
		panicOn(d.Register(ctx, "arith", "quic://10.0.0.6:7001"))
		cv.So(d.Names(), cv.ShouldResemble, []string{"arith", "hub"})

		ep, err := d.Resolve(ctx, "hub")
		panicOn(err)
		cv.So(ep, cv.ShouldEqual, "tcp://10.0.0.5:7000")

		// re-registering moves the name.
		panicOn(d.Register(ctx, "hub", "tcp://10.0.0.9:7000"))
		ep, _ = d.Resolve(ctx, "hub")
		cv.So(ep, cv.ShouldEqual, "tcp://10.0.0.9:7000")

		panicOn(d.Unregister(ctx, "hub"))
		_, err = d.Resolve(ctx, "hub")
		cv.So(errors.Is(err, ErrNameNotFound), cv.ShouldBeTrue)
		cv.So(errors.Is(d.Unregister(ctx, "hub"), ErrNameNotFound), cv.ShouldBeTrue)

		cv.So(d.Register(ctx, "", "tcp://x:1"), cv.ShouldNotBeNil)
		cv.So(d.Register(ctx, "a/b", "tcp://x:1"), cv.ShouldNotBeNil)
	})
}

func Test231_endpoints(t *testing.T) {

	cv.Convey("parseEndpoint understands tcp and quic, and defaults to tcp", t, func() {
		scheme, hp, err := parseEndpoint("quic://127.0.0.1:9000")
		panicOn(err)
		cv.So(scheme, cv.ShouldEqual, SchemeQUIC)
		cv.So(hp, cv.ShouldEqual, "127.0.0.1:9000")

		scheme, hp, err = parseEndpoint("localhost:80")
		panicOn(err)
		cv.So(scheme, cv.ShouldEqual, SchemeTCP)
		cv.So(hp, cv.ShouldEqual, "localhost:80")

		_, _, err = parseEndpoint("http://x:80")
		cv.So(err, cv.ShouldNotBeNil)
		_, _, err = parseEndpoint("tcp://noport")
		cv.So(err, cv.ShouldNotBeNil)
	})

	cv.Convey("advertisedEndpoint keeps a concrete host and replaces an unspecified one", t, func() {
		ep, err := advertisedEndpoint(SchemeTCP, "127.0.0.1:7000")
		panicOn(err)
		cv.So(ep, cv.ShouldEqual, "tcp://127.0.0.1:7000")

		ep, err = advertisedEndpoint(SchemeQUIC, "0.0.0.0:7001")
		panicOn(err)
		cv.So(strings.HasPrefix(ep, "quic://"), cv.ShouldBeTrue)
		cv.So(strings.HasSuffix(ep, ":7001"), cv.ShouldBeTrue)
		cv.So(ep, cv.ShouldNotContainSubstring, "0.0.0.0")
	})
}

package distobj

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func startServer(cfg *Config, root Exportable) (*Server, *TCPPortListener) {
	lsn, err := ListenPorts("127.0.0.1:0")
	panicOn(err)
	srv := NewServer(cfg, root)
	srv.Start(lsn)
	return srv, lsn
}

func Test250_server_serves_its_root_over_tcp(t *testing.T) {

	cv.Convey("Dial reaches a Server's root; the Server tracks the Connection until it goes away", t, func() {
		hub := NewHub()
		srv, lsn := startServer(nil, hub)
		defer srv.Close()

		ctx := context.Background()
		conn, err := Dial(ctx, "tcp://"+lsn.Addr(), nil, nil)
		panicOn(err)
		defer conn.Invalidate()

		h := rootProxy(conn)
		v, err := h.Call("Counter", "tcp")
		panicOn(err)
		n, err := (&CounterStub{P: v.(*Proxy)}).Incr(3)
		panicOn(err)
		cv.So(n, cv.ShouldEqual, 3)
		cv.So(hub.Counter("tcp").Get(), cv.ShouldEqual, 3)

		cv.So(waitFor(5*time.Second, func() bool { return len(srv.Connections()) == 1 }), cv.ShouldBeTrue)
		conn.Invalidate()
		cv.So(waitFor(5*time.Second, func() bool { return len(srv.Connections()) == 0 }), cv.ShouldBeTrue)
	})
}

func Test251_per_connection_roots(t *testing.T) {

	cv.Convey("NewRoot gives each peer its own root object", t, func() {
		srv := NewServer(nil, nil)
		srv.NewRoot = func(conn *Connection) Exportable { return NewHub() }
		lsn, err := ListenPorts("127.0.0.1:0")
		panicOn(err)
		srv.Start(lsn)
		defer srv.Close()

		ctx := context.Background()
		c1, err := Dial(ctx, lsn.Addr(), nil, nil)
		panicOn(err)
		defer c1.Invalidate()
		c2, err := Dial(ctx, lsn.Addr(), nil, nil)
		panicOn(err)
		defer c2.Invalidate()

		incr := func(c *Connection) int64 {
			v, err := rootProxy(c).Call("Counter", "n")
			panicOn(err)
			n, err := (&CounterStub{P: v.(*Proxy)}).Incr(1)
			panicOn(err)
			return n
		}
		cv.So(incr(c1), cv.ShouldEqual, 1)
		cv.So(incr(c1), cv.ShouldEqual, 2)
		cv.So(incr(c2), cv.ShouldEqual, 1)
	})
}

func Test252_delegate_can_reject_connections(t *testing.T) {

	cv.Convey("a Delegate returning false gets the new Connection shut down", t, func() {
		var asked atomic.Int64
		cfg := NewConfig()
		cfg.Delegate = DelegateFunc(func(listener PortListener, conn *Connection) bool {
			asked.Add(1)
			return false
		})
		srv, lsn := startServer(cfg, &Arith{})
		defer srv.Close()

		conn, err := Dial(context.Background(), lsn.Addr(), nil, nil)
		if err != nil {
			// the shutdown notice beat our own start.
			cv.So(errors.Is(err, ErrConnectionInvalid), cv.ShouldBeTrue)
		} else {
			cv.So(waitFor(5*time.Second, func() bool { return !conn.IsValid() }), cv.ShouldBeTrue)
			_, err = conn.RootProxy()
			cv.So(errors.Is(err, ErrConnectionInvalid), cv.ShouldBeTrue)
		}
		cv.So(waitFor(5*time.Second, func() bool { return asked.Load() == 1 }), cv.ShouldBeTrue)
		cv.So(len(srv.Connections()), cv.ShouldEqual, 0)
	})

	cv.Convey("a Delegate that panics rejects the Connection and the Server keeps accepting", t, func() {
		var asked atomic.Int64
		cfg := NewConfig()
		cfg.Delegate = DelegateFunc(func(listener PortListener, conn *Connection) bool {
			if asked.Add(1) == 1 {
				panic("delegate exploded")
			}
			return true
		})
		srv, lsn := startServer(cfg, &Arith{})
		defer srv.Close()

		conn, err := Dial(context.Background(), lsn.Addr(), nil, nil)
		if err == nil {
			cv.So(waitFor(5*time.Second, func() bool { return !conn.IsValid() }), cv.ShouldBeTrue)
		}
		cv.So(waitFor(5*time.Second, func() bool { return asked.Load() == 1 }), cv.ShouldBeTrue)

		conn2, err := Dial(context.Background(), lsn.Addr(), nil, nil)
		panicOn(err)
		defer conn2.Invalidate()
		sum, err := (&ArithStub{P: rootProxy(conn2)}).Add(1, 2)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 3)
		cv.So(len(srv.Connections()), cv.ShouldEqual, 1)
	})
}

func Test253_publish_and_connect_by_name(t *testing.T) {

	cv.Convey("a published Server is reachable by name until it closes", t, func() {
		ctx := context.Background()
		dir := NewMemoryDirectory()
		srv, lsn := startServer(nil, &Arith{})

		panicOn(srv.Publish(ctx, dir, "arith"))
		ep, err := dir.Resolve(ctx, "arith")
		panicOn(err)
		cv.So(ep, cv.ShouldEqual, "tcp://"+lsn.Addr())

		conn, err := ConnectToName(ctx, dir, "arith", nil, nil)
		panicOn(err)
		sum, err := (&ArithStub{P: rootProxy(conn)}).Add(40, 2)
		panicOn(err)
		cv.So(sum, cv.ShouldEqual, 42)

		panicOn(srv.Close())
		_, err = dir.Resolve(ctx, "arith")
		cv.So(errors.Is(err, ErrNameNotFound), cv.ShouldBeTrue)
		cv.So(waitFor(5*time.Second, func() bool { return !conn.IsValid() }), cv.ShouldBeTrue)

		_, err = ConnectToName(ctx, dir, "arith", nil, nil)
		cv.So(errors.Is(err, ErrNameNotFound), cv.ShouldBeTrue)
		select {
		case <-srv.Halt.Done.Chan:
		case <-time.After(5 * time.Second):
			panic("server accept loop did not stop")
		}
	})
}

func Test254_server_applies_config_changes_to_live_connections(t *testing.T) {

	cv.Convey("WatchConfig pushes new timeouts into the Server's Connections", t, func() {
		dir, err := os.MkdirTemp("", "distobj-srv-watch")
		panicOn(err)
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "config.yaml")
		panicOn(SaveConfig(path, NewConfig()))

		srv, lsn := startServer(nil, &Arith{})
		defer srv.Close()
		panicOn(srv.WatchConfig(path))

		conn, err := Dial(context.Background(), lsn.Addr(), nil, nil)
		panicOn(err)
		defer conn.Invalidate()
		cv.So(waitFor(5*time.Second, func() bool { return len(srv.Connections()) == 1 }), cv.ShouldBeTrue)

		writeAtomic(path, "request_timeout: 7s\nreply_timeout: 8s\n")
		sc := srv.Connections()[0]
		cv.So(waitFor(5*time.Second, func() bool { return sc.ReplyTimeout() == 8*time.Second }), cv.ShouldBeTrue)
		cv.So(sc.RequestTimeout(), cv.ShouldEqual, 7*time.Second)
	})
}

package distobj

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// Port moves framed byte messages between two endpoints.
// It knows nothing of invocations; the Connection reading
// from it demultiplexes by message id.
type Port interface {
	// Addr is the identity of the port: the remote endpoint address.
	Addr() string

	// Send blocks until the frame is written to the transport,
	// or the deadline elapses while the frame is still queued
	// (ErrRequestTimeout). A zero deadline means no deadline.
	// ErrPortClosed is returned if the port is, or becomes, invalid.
	Send(ctx context.Context, f *Frame, deadline time.Time) error

	// Receive blocks for the next inbound frame. Only one
	// goroutine, the owning Connection's receive loop, calls it.
	Receive() (*Frame, error)

	// Invalidate closes the transport and wakes all blocked
	// Send/Receive calls with ErrPortClosed. Idempotent.
	Invalidate()

	IsValid() bool

	// OnInvalidate registers fn to run once when the port is
	// invalidated (immediately, if it already was). Every
	// Connection using the port registers here. The returned
	// cancel func unregisters.
	OnInvalidate(fn func(reason error)) (cancel func())
}

// outFrame is one entry of the pending-send queue.
type outFrame struct {
	frame    *Frame
	deadline time.Time

	// 0 queued, 1 taken by the writer, 2 abandoned by the sender.
	state atomic.Int32

	err  error
	done *loquet.Chan[outFrame]
}

const (
	outQueued    = 0
	outTaken     = 1
	outAbandoned = 2
)

// StreamPort is a Port over any reliable byte stream
// (TCP, net.Pipe, a QUIC stream wrapper).
type StreamPort struct {
	nc   net.Conn
	addr string

	sendCh chan *outFrame
	rd     *bufio.Reader
	rw     *workspace

	// WriteTimeout bounds each write of a frame that has no
	// deadline of its own. 0 means no bound.
	WriteTimeout time.Duration

	Halt *idem.Halter

	mut       sync.Mutex
	reason    error
	observers map[int64]func(error)
	nextObs   int64

	invalidated atomic.Bool

	framesOut atomic.Int64
	framesIn  atomic.Int64
}

// pending-send queue depth
const portSendQueueLen = 64

// NewStreamPort wraps nc and starts its writer goroutine.
// The port's identity is the remote address of nc.
func NewStreamPort(nc net.Conn) *StreamPort {
	return newStreamPort(nc, defaultMaxFrameSize)
}

func newStreamPort(nc net.Conn, maxFrameSize int) *StreamPort {
	p := &StreamPort{
		nc:        nc,
		addr:      remote(nc),
		sendCh:    make(chan *outFrame, portSendQueueLen),
		rd:        bufio.NewReaderSize(nc, 64<<10),
		rw:        newWorkspace(maxFrameSize),
		Halt:      idem.NewHalterNamed(fmt.Sprintf("StreamPort(%v)", remote(nc))),
		observers: make(map[int64]func(error)),
	}
	go p.runSendLoop()
	return p
}

func (p *StreamPort) String() string {
	return fmt.Sprintf("StreamPort(local %v -> remote %v)", local(p.nc), p.addr)
}

// Addr returns the remote endpoint address, "network://host:port".
func (p *StreamPort) Addr() string { return p.addr }

// LocalAddr returns our side of the stream.
func (p *StreamPort) LocalAddr() string { return local(p.nc) }

// SetMaxFrameSize bounds every frame sent or received from now
// on; n <= 0 restores the default. A longer inbound frame means
// the stream is out of sync, and invalidates the port.
func (p *StreamPort) SetMaxFrameSize(n int) {
	p.rw.setMaxSize(n)
}

// MaxFrameSize is the current frame bound.
func (p *StreamPort) MaxFrameSize() int {
	return int(p.rw.maxSize.Load())
}

func (p *StreamPort) IsValid() bool {
	return !p.Halt.ReqStop.IsClosed()
}

func (p *StreamPort) Send(ctx context.Context, f *Frame, deadline time.Time) error {
	if !p.IsValid() {
		return p.closedErr()
	}
	of := &outFrame{
		frame:    f,
		deadline: deadline,
	}
	of.done = loquet.NewChan(of)

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	select {
	case p.sendCh <- of:
	case <-timeoutCh:
		return fmt.Errorf("port send of msgID %v: %w", f.MsgID, ErrRequestTimeout)
	case <-ctxDone:
		return ctx.Err()
	case <-p.Halt.ReqStop.Chan:
		return p.closedErr()
	}

	select {
	case <-of.done.WhenClosed():
		return of.err
	case <-timeoutCh:
		if of.state.CompareAndSwap(outQueued, outAbandoned) {
			return fmt.Errorf("port send of msgID %v: %w", f.MsgID, ErrRequestTimeout)
		}
		// the writer has it; the write itself is bounded by
		// the same deadline, so this wait is short.
		<-of.done.WhenClosed()
		return of.err
	case <-ctxDone:
		if of.state.CompareAndSwap(outQueued, outAbandoned) {
			return ctx.Err()
		}
		<-of.done.WhenClosed()
		return of.err
	case <-p.Halt.ReqStop.Chan:
		if of.state.CompareAndSwap(outQueued, outAbandoned) {
			return p.closedErr()
		}
		<-of.done.WhenClosed()
		return of.err
	}
}

// runSendLoop is the only writer to p.nc, so frames are never
// interleaved on the wire.
func (p *StreamPort) runSendLoop() {
	defer p.Halt.Done.Close()

	var buf []byte
	for {
		select {
		case <-p.Halt.ReqStop.Chan:
			p.failQueued()
			return
		case of := <-p.sendCh:
			if !of.state.CompareAndSwap(outQueued, outTaken) {
				// sender gave up while it was queued.
				continue
			}
			var err error
			buf, err = p.rw.appendFrame(buf[:0], of.frame)
			if err != nil {
				// nothing was written; the stream is still in sync.
				of.err = err
				of.done.Close()
				continue
			}
			deadline := of.deadline
			if deadline.IsZero() && p.WriteTimeout > 0 {
				deadline = time.Now().Add(p.WriteTimeout)
			}
			p.nc.SetWriteDeadline(deadline)
			err = writeFull(p.nc, buf)
			if err != nil {
				// a partial write leaves the peer out of sync,
				// so any write failure is fatal to the port.
				p.invalidate(fmt.Errorf("write to %v: %w", p.addr, err))
				of.err = p.closedErr()
				of.done.Close()
				p.failQueued()
				return
			}
			p.framesOut.Add(1)
			of.done.Close()
		}
	}
}

// failQueued fails every frame still sitting in the queue.
func (p *StreamPort) failQueued() {
	for {
		select {
		case of := <-p.sendCh:
			if of.state.CompareAndSwap(outQueued, outTaken) {
				of.err = p.closedErr()
				of.done.Close()
			}
		default:
			return
		}
	}
}

func (p *StreamPort) Receive() (*Frame, error) {
	if !p.IsValid() {
		return nil, p.closedErr()
	}
	f, err := p.rw.readFrame(p.rd)
	if err != nil {
		p.invalidate(fmt.Errorf("read from %v: %w", p.addr, err))
		return nil, p.closedErr()
	}
	p.framesIn.Add(1)
	return f, nil
}

func (p *StreamPort) Invalidate() {
	p.invalidate(nil)
}

func (p *StreamPort) invalidate(reason error) {
	// not a sync.Once: observers re-enter Invalidate.
	if !p.invalidated.CompareAndSwap(false, true) {
		return
	}
	p.mut.Lock()
	p.reason = reason
	obs := p.observers
	p.observers = nil
	p.mut.Unlock()

	p.Halt.ReqStop.Close()
	p.nc.Close()
	pp("%v invalidated, reason: '%v'", p, reason)

	for _, fn := range obs {
		fn(p.closedErr())
	}
}

// closedErr wraps ErrPortClosed with the cause, if any.
func (p *StreamPort) closedErr() error {
	p.mut.Lock()
	reason := p.reason
	p.mut.Unlock()
	if reason == nil || errors.Is(reason, ErrPortClosed) {
		return ErrPortClosed
	}
	return fmt.Errorf("%w: %w", ErrPortClosed, reason)
}

func (p *StreamPort) OnInvalidate(fn func(reason error)) (cancel func()) {
	p.mut.Lock()
	if p.observers == nil {
		// already invalid.
		p.mut.Unlock()
		fn(p.closedErr())
		return func() {}
	}
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mut.Unlock()

	return func() {
		p.mut.Lock()
		if p.observers != nil {
			delete(p.observers, id)
		}
		p.mut.Unlock()
	}
}

// FrameCounts reports frames written and read so far.
func (p *StreamPort) FrameCounts() (out, in int64) {
	return p.framesOut.Load(), p.framesIn.Load()
}

type localRemoteAddr interface {
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

func remote(nc localRemoteAddr) string {
	ra := nc.RemoteAddr()
	return ra.Network() + "://" + ra.String()
}

func local(nc localRemoteAddr) string {
	la := nc.LocalAddr()
	return la.Network() + "://" + la.String()
}

// NewPipePorts returns two connected in-process ports, for
// talking to an object in another goroutine of this process.
func NewPipePorts() (a, b *StreamPort) {
	ca, cb := net.Pipe()
	return NewStreamPort(ca), NewStreamPort(cb)
}

// DialPort connects a TCP StreamPort to addr ("host:port").
func DialPort(ctx context.Context, addr string) (*StreamPort, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial port %v: %w", addr, err)
	}
	return NewStreamPort(nc), nil
}

// PortListener hands out one Port per accepted peer.
type PortListener interface {
	Accept(ctx context.Context) (Port, error)
	Addr() string
	Close() error
}

// TCPPortListener accepts TCP StreamPorts.
type TCPPortListener struct {
	lsn net.Listener
}

// ListenPorts listens on addr ("host:port"; port 0 picks one).
func ListenPorts(addr string) (*TCPPortListener, error) {
	lsn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen ports on %v: %w", addr, err)
	}
	return &TCPPortListener{lsn: lsn}, nil
}

// Addr returns the bound "host:port".
func (l *TCPPortListener) Addr() string { return l.lsn.Addr().String() }

func (l *TCPPortListener) Close() error { return l.lsn.Close() }

// Accept waits for the next peer. Cancelling ctx does not
// interrupt a pending Accept; Close the listener for that.
func (l *TCPPortListener) Accept(ctx context.Context) (Port, error) {
	nc, err := l.lsn.Accept()
	if err != nil {
		return nil, err
	}
	if ctx != nil && ctx.Err() != nil {
		nc.Close()
		return nil, ctx.Err()
	}
	return NewStreamPort(nc), nil
}

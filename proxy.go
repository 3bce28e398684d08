package distobj

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Proxy stands in for an object owned by the peer of its
// Connection. Calls on it are forwarded as Invocations.
// There is at most one Proxy per (Connection, handle).
//
// A Proxy is Live until it is Released for the last time or its
// Connection is invalidated; then it is Invalid for good, and
// every call fails with ErrConnectionInvalid without any I/O.
type Proxy struct {
	conn   *Connection
	handle uint64

	// guarded by conn.mut
	received  int64 // references the peer counted for us
	localRefs int64

	invalid atomic.Bool
}

func (p *Proxy) String() string {
	return fmt.Sprintf("&Proxy{handle:%v, conn:%v, valid:%v}", p.handle, p.conn.Name(), p.IsValid())
}

// Handle is the peer's handle for the object.
func (p *Proxy) Handle() uint64 { return p.handle }

// Connection returns the Connection the Proxy forwards through.
func (p *Proxy) Connection() *Connection { return p.conn }

// IsValid is false once the Proxy was released for the last
// time or its Connection went away.
func (p *Proxy) IsValid() bool {
	return !p.invalid.Load() && p.conn.IsValid()
}

// CallOptions adjust a single call.
type CallOptions struct {
	// Timeout overrides the Connection's RequestTimeout when > 0.
	Timeout time.Duration

	// Conversation names the remote execution queue. Calls in
	// the same conversation run in the order they were sent.
	//
	// Left empty, a call made from inside a handler with the
	// handler's ctx gets a conversation of its own, so a
	// callback into the caller may call back again. A nested
	// call made without that ctx (plain Call) lands on the
	// default queue and can wait behind the request whose
	// handler made it until it times out.
	Conversation string

	// OneWay sends the request and returns without a reply.
	OneWay bool
}

// Call invokes op on the remote object and waits for the reply.
// A failure of the remote handler comes back as *RemoteException;
// ErrRequestTimeout and ErrConnectionInvalid are local failures.
func (p *Proxy) Call(op string, args ...any) (any, error) {
	return p.CallContext(context.Background(), nil, op, args...)
}

// CallContext is Call with a context and per-call options.
func (p *Proxy) CallContext(ctx context.Context, opts *CallOptions, op string, args ...any) (any, error) {
	if p.invalid.Load() {
		return nil, fmt.Errorf("call '%v' on released proxy %v: %w", op, p.handle, ErrConnectionInvalid)
	}
	if !p.conn.IsValid() {
		return nil, fmt.Errorf("call '%v' on proxy %v: %w", op, p.handle, ErrConnectionInvalid)
	}
	if opts == nil {
		opts = &CallOptions{}
	}
	conv := opts.Conversation
	if conv == "" {
		conv = nestedConversation(ctx)
	}
	inv := &Invocation{
		Direction:    Request,
		Target:       p.handle,
		Operation:    op,
		Conversation: conv,
		OneWay:       opts.OneWay,
	}
	if len(args) > 0 {
		inv.Args = make([]Argument, len(args))
		for i, a := range args {
			inv.Args[i] = classify(a)
		}
	}

	if opts.OneWay {
		return nil, p.conn.SendOneWay(ctx, inv, opts.Timeout)
	}
	reply, err := p.conn.SendAndAwaitReply(ctx, inv, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if reply.Exception != nil {
		return nil, &RemoteException{
			Kind:        reply.Exception.Kind,
			Description: reply.Exception.Description,
		}
	}
	return reply.ReturnValue(), nil
}

// CallInto calls op and decodes a JSON-coded return value into
// dst; other return values are assigned when dst is a *any.
func (p *Proxy) CallInto(dst any, op string, args ...any) error {
	v, err := p.Call(op, args...)
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case JSONValue:
		if err := x.Unmarshal(dst); err != nil {
			return fmt.Errorf("return of '%v' into %T: %v: %w", op, dst, err, ErrPayloadTypeMismatch)
		}
		return nil
	}
	if pa, ok := dst.(*any); ok {
		*pa = v
		return nil
	}
	return fmt.Errorf("return of '%v' is %T, cannot store in %T: %w", op, v, dst, ErrPayloadTypeMismatch)
}

// Retain adds a local reference.
func (p *Proxy) Retain() *Proxy {
	p.conn.mut.Lock()
	if !p.invalid.Load() {
		p.localRefs++
	}
	p.conn.mut.Unlock()
	return p
}

// Release drops one local reference. Every delivery of a Proxy
// in an argument or return value carries one. When the last one
// is dropped the Proxy leaves the imported table, becomes Invalid,
// and the peer is told how many references to give back.
func (p *Proxy) Release() {
	c := p.conn
	c.mut.Lock()
	if p.invalid.Load() {
		c.mut.Unlock()
		return
	}
	p.localRefs--
	if p.localRefs > 0 {
		c.mut.Unlock()
		return
	}
	n := p.received
	p.received = 0
	p.invalid.Store(true)
	if c.imports[p.handle] == p {
		delete(c.imports, p.handle)
	}
	c.mut.Unlock()

	vv("%v released, giving back %v references", p, n)
	if n > 0 && c.IsValid() {
		go c.sendRelease(p.handle, n)
	}
}

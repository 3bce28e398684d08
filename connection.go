package distobj

import (
	"context"
	cryrand "crypto/rand"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

const (
	// handle 0 is never allocated.
	noHandle uint64 = 0

	// rootHandle is the Connection's root object, if any.
	rootHandle uint64 = 1

	// first handle handed out by Export.
	firstExportHandle uint64 = 2

	// how long a best-effort shutdown notice may take.
	shutdownNoticeTimeout = 250 * time.Millisecond
)

var lastConnSerial atomic.Int64

// Connection pairs a receive Port with a send Port and carries
// Invocations between this process and one peer. It owns the
// exported-object table (our objects the peer may call) and the
// imported-proxy table (the peer's objects we hold Proxies for).
//
// A Connection is valid from construction until the first
// Invalidate, which is final.
type Connection struct {
	cfg    *Config
	name   string
	serial int64

	recv Port
	send Port
	root Exportable

	Halt *idem.Halter

	ctx    context.Context
	cancel context.CancelFunc

	invalid   atomic.Bool
	lastMsgID atomic.Uint64

	requestTimeout atomic.Int64
	replyTimeout   atomic.Int64

	compression compressAlgo
	policy      ConversationPolicy

	// mut guards everything below it.
	mut         sync.Mutex
	reason      error
	waiters     map[uint64]*waiter
	exports     map[uint64]*exportEntry
	exportByObj map[Exportable]*exportEntry
	nextHandle  uint64
	imports     map[uint64]*Proxy
	peerVersion string
	cancelObs   []func()

	convs *conversations
	stats *connStats

	malformedRun atomic.Int64
	lastSend     atomic.Int64 // unix nano

	helloRecvd *idem.IdemCloseChan
}

// exportEntry is one row of the exported-object table.
type exportEntry struct {
	handle uint64
	obj    Exportable
	ops    *OperationTable

	// references sent to the peer and not yet released.
	refs int64
}

// waiter is the wait cell of one outstanding request.
type waiter struct {
	msgID uint64
	sent  time.Time

	reply *Invocation
	err   error
	done  *loquet.Chan[waiter]
}

func newWaiter(msgID uint64) *waiter {
	w := &waiter{msgID: msgID}
	w.done = loquet.NewChan(w)
	return w
}

// deliver is called at most once, by whoever removed w from
// the waiters map.
func (w *waiter) deliver(reply *Invocation, err error) {
	w.reply = reply
	w.err = err
	w.done.Close()
}

// NewConnection starts a Connection that reads from recv and
// writes to send (often the same Port). root, if not nil, is
// exported at handle 1 for the peer's RootProxy.
func NewConnection(recv, send Port, cfg *Config, root Exportable) (*Connection, error) {
	c, err := newConnection(recv, send, cfg, root)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewPortConnection is NewConnection with one Port both ways.
func NewPortConnection(p Port, cfg *Config, root Exportable) (*Connection, error) {
	return NewConnection(p, p, cfg, root)
}

func newConnection(recv, send Port, cfg *Config, root Exportable) (*Connection, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algo, err := parseCompressAlgo(cfg.Compression)
	if err != nil {
		return nil, err
	}
	serial := lastConnSerial.Add(1)
	name := "conn-" + randomID()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		cfg:         cfg,
		name:        name,
		serial:      serial,
		recv:        recv,
		send:        send,
		root:        root,
		Halt:        idem.NewHalterNamed(fmt.Sprintf("Connection(%v)", name)),
		ctx:         ctx,
		cancel:      cancel,
		compression: algo,
		policy:      cfg.policy(),
		waiters:     make(map[uint64]*waiter),
		exports:     make(map[uint64]*exportEntry),
		exportByObj: make(map[Exportable]*exportEntry),
		nextHandle:  firstExportHandle,
		imports:     make(map[uint64]*Proxy),
		convs:       newConversations(),
		stats:       newConnStats(),
		helloRecvd:  idem.NewIdemCloseChan(),
	}
	c.requestTimeout.Store(int64(cfg.RequestTimeout))
	c.replyTimeout.Store(int64(cfg.ReplyTimeout))

	// the frame bound is the Port's to enforce, since a frame
	// over it leaves the stream out of sync.
	for _, p := range []Port{recv, send} {
		if fs, ok := p.(frameSizer); ok {
			fs.SetMaxFrameSize(cfg.maxFrameSize())
		}
	}

	if root != nil {
		if !reflect.TypeOf(root).Comparable() {
			return nil, fmt.Errorf("root object %T is not comparable; export a pointer", root)
		}
		e := &exportEntry{handle: rootHandle, obj: root, ops: root.Operations()}
		c.exports[rootHandle] = e
		c.exportByObj[root] = e
	}
	return c, nil
}

// frameSizer is implemented by Ports whose frame bound can be
// set, such as *StreamPort.
type frameSizer interface {
	SetMaxFrameSize(n int)
}

func (c *Connection) start() error {
	obs := func(p Port) func(error) {
		return func(reason error) {
			c.InvalidateWithReason(fmt.Errorf("port %v invalidated: %w", p.Addr(), reason))
		}
	}
	// OnInvalidate may call back at once, so not under c.mut.
	cancels := []func(){c.recv.OnInvalidate(obs(c.recv))}
	if c.send != c.recv {
		cancels = append(cancels, c.send.OnInvalidate(obs(c.send)))
	}
	c.mut.Lock()
	if c.invalid.Load() {
		c.mut.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		c.Halt.Done.Close()
		return fmt.Errorf("new connection: %w: %v", ErrConnectionInvalid, c.Reason())
	}
	c.cancelObs = cancels
	c.mut.Unlock()

	Registry().add(c)
	c.lastSend.Store(time.Now().UnixNano())
	go c.runReceiveLoop()
	if c.cfg.KeepAliveInterval > 0 {
		go c.runKeepAlive(c.cfg.KeepAliveInterval)
	}
	go c.sendControl(&controlMsg{Op: ctlHello, Version: c.cfg.ProtocolVersion})
	vv("%v started", c)
	return nil
}

func randomID() string {
	var b [12]byte
	_, err := cryrand.Read(b[:])
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(b[:])
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%v, #%v, recv %v, send %v)", c.name, c.serial, c.recv.Addr(), c.send.Addr())
}

// Name is a random printable id, unique per process.
func (c *Connection) Name() string { return c.name }

// Serial orders Connections by creation.
func (c *Connection) Serial() int64 { return c.serial }

func (c *Connection) ReceivePort() Port { return c.recv }
func (c *Connection) SendPort() Port    { return c.send }

// Root is our root object, exported at handle 1.
func (c *Connection) Root() Exportable { return c.root }

func (c *Connection) IsValid() bool { return !c.invalid.Load() }

// Reason says why the Connection was invalidated; nil while valid.
func (c *Connection) Reason() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.reason
}

// Done is closed once the receive loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.Halt.Done.Chan }

// PeerVersion is the protocol version the peer announced, or "".
func (c *Connection) PeerVersion() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.peerVersion
}

// WaitForHello blocks until the peer's hello arrived, the
// Connection died, or timeout.
func (c *Connection) WaitForHello(timeout time.Duration) error {
	select {
	case <-c.helloRecvd.Chan:
		return nil
	case <-c.Halt.ReqStop.Chan:
		return fmt.Errorf("waiting for hello: %w: %v", ErrConnectionInvalid, c.Reason())
	case <-time.After(timeout):
		return fmt.Errorf("no hello from peer after %v: %w", timeout, ErrRequestTimeout)
	}
}

func (c *Connection) RequestTimeout() time.Duration {
	return time.Duration(c.requestTimeout.Load())
}

func (c *Connection) ReplyTimeout() time.Duration {
	return time.Duration(c.replyTimeout.Load())
}

// SetTimeouts changes the timeouts of a running Connection.
// Values <= 0 leave the current setting alone.
func (c *Connection) SetTimeouts(request, reply time.Duration) {
	if request > 0 {
		c.requestTimeout.Store(int64(request))
	}
	if reply > 0 {
		c.replyTimeout.Store(int64(reply))
	}
}

func (c *Connection) nextMsgID() uint64 {
	return c.lastMsgID.Add(1)
}

// ========================
// exported-object table
// ========================

// Export registers obj and returns its handle. Exporting the
// same object again returns the same handle.
func (c *Connection) Export(obj Exportable) (uint64, error) {
	e, err := c.export(obj, false)
	if err != nil {
		return noHandle, err
	}
	return e.handle, nil
}

// exportRef is Export plus one outstanding reference, for
// each time the handle is sent to the peer.
func (c *Connection) exportRef(obj Exportable) (uint64, error) {
	e, err := c.export(obj, true)
	if err != nil {
		return noHandle, err
	}
	return e.handle, nil
}

func (c *Connection) export(obj Exportable, countRef bool) (*exportEntry, error) {
	if obj == nil {
		return nil, fmt.Errorf("cannot export nil: %w", ErrPayloadTypeMismatch)
	}
	if !reflect.TypeOf(obj).Comparable() {
		return nil, fmt.Errorf("%T is not comparable; export a pointer: %w", obj, ErrPayloadTypeMismatch)
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.invalid.Load() {
		return nil, ErrConnectionInvalid
	}
	e, ok := c.exportByObj[obj]
	if !ok {
		e = &exportEntry{
			handle: c.nextHandle,
			obj:    obj,
			ops:    obj.Operations(),
		}
		c.nextHandle++
		c.exports[e.handle] = e
		c.exportByObj[obj] = e
	}
	if countRef {
		e.refs++
	}
	return e, nil
}

func (c *Connection) exportEntry(h uint64) *exportEntry {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.exports[h]
}

// ObjectForHandle finds the local object exported under h.
func (c *Connection) ObjectForHandle(h uint64) (Exportable, bool) {
	e := c.exportEntry(h)
	if e == nil {
		return nil, false
	}
	return e.obj, true
}

// HandleForObject finds the handle obj is exported under.
func (c *Connection) HandleForObject(obj Exportable) (uint64, bool) {
	if obj == nil || !reflect.TypeOf(obj).Comparable() {
		return noHandle, false
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	e, ok := c.exportByObj[obj]
	if !ok {
		return noHandle, false
	}
	return e.handle, true
}

// ReleaseHandle gives back n references to handle h. The entry
// is dropped when none remain. The root object is never dropped.
func (c *Connection) ReleaseHandle(h uint64, n int64) {
	c.mut.Lock()
	defer c.mut.Unlock()
	e, ok := c.exports[h]
	if !ok {
		return
	}
	e.refs -= n
	if e.refs <= 0 && h != rootHandle {
		delete(c.exports, h)
		delete(c.exportByObj, e.obj)
		vv("%v dropped export of handle %v", c, h)
	}
	if e.refs < 0 {
		e.refs = 0
	}
}

// giveBack undoes exportRef for references that never left.
func (c *Connection) giveBack(counted []uint64) {
	for _, h := range counted {
		c.ReleaseHandle(h, 1)
	}
}

// ExportCount is the number of rows in the exported-object table.
func (c *Connection) ExportCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.exports)
}

// ========================
// imported-proxy table
// ========================

// importRef returns the one Proxy for the peer's handle h,
// counting one more reference received from the peer.
func (c *Connection) importRef(h uint64) (*Proxy, error) {
	return c.importProxy(h, true)
}

func (c *Connection) importProxy(h uint64, counted bool) (*Proxy, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.invalid.Load() {
		return nil, ErrConnectionInvalid
	}
	p, ok := c.imports[h]
	if !ok {
		p = &Proxy{conn: c, handle: h}
		c.imports[h] = p
	}
	p.localRefs++
	if counted {
		p.received++
	}
	return p, nil
}

// RootProxy returns the Proxy for the peer's root object.
func (c *Connection) RootProxy() (*Proxy, error) {
	return c.importProxy(rootHandle, false)
}

// ImportedProxy returns the live Proxy for the peer's handle h, if any.
func (c *Connection) ImportedProxy(h uint64) (*Proxy, bool) {
	c.mut.Lock()
	defer c.mut.Unlock()
	p, ok := c.imports[h]
	return p, ok
}

// ImportCount is the number of live imported Proxies.
func (c *Connection) ImportCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.imports)
}

// ========================
// calls
// ========================

// SendAndAwaitReply sends the request inv and blocks until its
// reply arrives, the timeout elapses (ErrRequestTimeout), ctx
// is done, or the Connection is invalidated (ErrConnectionInvalid).
// A timeout cannot retract a sent request: the peer may still
// run it, and its reply is then dropped on arrival.
// timeout <= 0 means the Connection's RequestTimeout.
func (c *Connection) SendAndAwaitReply(ctx context.Context, inv *Invocation, timeout time.Duration) (*Invocation, error) {
	if !c.IsValid() {
		return nil, ErrConnectionInvalid
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = c.RequestTimeout()
	}
	inv.MsgID = c.nextMsgID()
	inv.Direction = Request
	inv.OneWay = false

	payload, counted, err := encodeInvocation(inv, c)
	if err != nil {
		return nil, err
	}

	w := newWaiter(inv.MsgID)
	c.mut.Lock()
	if c.invalid.Load() {
		c.mut.Unlock()
		c.giveBack(counted)
		return nil, ErrConnectionInvalid
	}
	c.waiters[inv.MsgID] = w
	c.mut.Unlock()

	c.stats.incr(&c.stats.calls)
	deadline := time.Now().Add(timeout)
	w.sent = time.Now()
	err = c.send.Send(ctx, &Frame{MsgID: inv.MsgID, Kind: KindRequest, Payload: payload}, deadline)
	if err != nil {
		c.takeWaiter(inv.MsgID)
		c.giveBack(counted)
		return nil, c.sendFailed(inv, err)
	}
	c.lastSend.Store(time.Now().UnixNano())

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-w.done.WhenClosed():
		return w.reply, w.err
	case <-timer.C:
		if c.takeWaiter(inv.MsgID) != nil {
			c.stats.incr(&c.stats.timeouts)
			return nil, fmt.Errorf("no reply to msgID %v '%v' after %v: %w", inv.MsgID, inv.Operation, timeout, ErrRequestTimeout)
		}
	case <-ctx.Done():
		if c.takeWaiter(inv.MsgID) != nil {
			return nil, ctx.Err()
		}
	}
	// delivery won the race.
	<-w.done.WhenClosed()
	return w.reply, w.err
}

// SendOneWay sends the request inv and does not wait for, or
// expect, any reply. timeout bounds only the send.
func (c *Connection) SendOneWay(ctx context.Context, inv *Invocation, timeout time.Duration) error {
	if !c.IsValid() {
		return ErrConnectionInvalid
	}
	if timeout <= 0 {
		timeout = c.RequestTimeout()
	}
	inv.MsgID = c.nextMsgID()
	inv.Direction = Request
	inv.OneWay = true

	payload, counted, err := encodeInvocation(inv, c)
	if err != nil {
		return err
	}
	c.stats.incr(&c.stats.oneWayCalls)
	err = c.send.Send(ctx, &Frame{MsgID: inv.MsgID, Kind: KindRequest, Payload: payload}, time.Now().Add(timeout))
	if err != nil {
		c.giveBack(counted)
		return c.sendFailed(inv, err)
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

// sendFailed maps a Port.Send error for a request. A timeout
// while still queued leaves the Connection valid; a closed Port
// does not.
func (c *Connection) sendFailed(inv *Invocation, err error) error {
	switch {
	case errors.Is(err, ErrRequestTimeout):
		c.stats.incr(&c.stats.timeouts)
		return fmt.Errorf("send of msgID %v '%v': %w", inv.MsgID, inv.Operation, err)
	case errors.Is(err, ErrPortClosed):
		c.InvalidateWithReason(err)
		return fmt.Errorf("%w: %w", ErrConnectionInvalid, err)
	}
	return err
}

func (c *Connection) takeWaiter(msgID uint64) *waiter {
	c.mut.Lock()
	defer c.mut.Unlock()
	w, ok := c.waiters[msgID]
	if !ok {
		return nil
	}
	delete(c.waiters, msgID)
	return w
}

// ========================
// receive loop
// ========================

func (c *Connection) runReceiveLoop() {
	defer func() {
		c.Halt.Done.Close()
		vv("%v receive loop exiting", c)
	}()
	for {
		f, err := c.recv.Receive()
		if err != nil {
			c.InvalidateWithReason(err)
			return
		}
		switch f.Kind {
		case KindRequest:
			c.handleRequest(f)
		case KindReply:
			c.handleReply(f)
		case KindControl:
			c.handleControl(f)
		default:
			c.noteMalformed(f, fmt.Errorf("frame kind %v: %w", f.Kind, ErrMalformedEnvelope))
		}
		if !c.IsValid() {
			return
		}
	}
}

// noteMalformed drops a frame that did not decode. The stream is
// still in sync, so the Connection stays valid, unless too many
// arrive in a row.
func (c *Connection) noteMalformed(f *Frame, err error) {
	c.stats.incr(&c.stats.malformedFrames)
	n := c.malformedRun.Add(1)
	alwaysPrintf("%v dropping malformed %v: %v", c, f, err)
	max := c.cfg.MaxMalformedFrames
	if max > 0 && n >= int64(max) {
		c.InvalidateWithReason(fmt.Errorf("%v malformed frames in a row, last: %w", n, err))
	}
}

func (c *Connection) handleRequest(f *Frame) {
	inv, inner, err := decodeEnvelope(f.Payload, c.cfg.maxFrameSize())
	if err == nil && inv.Direction != Request {
		err = fmt.Errorf("request frame holding a %v: %w", inv.Direction, ErrMalformedEnvelope)
	}
	if err != nil {
		c.noteMalformed(f, err)
		return
	}
	c.malformedRun.Store(0)
	inv.MsgID = f.MsgID
	key := conversationKey(inv, c.policy)

	if a := c.cfg.Authenticator; a != nil && !authenticate(a, inner, inv.AuthData) {
		c.stats.incr(&c.stats.authFailures)
		c.releaseUnbound(inv)
		c.enqueueException(key, inv, &ExceptionRecord{
			Kind:        KindAuthentication,
			Description: fmt.Sprintf("request msgID %v for '%v': %v", inv.MsgID, inv.Operation, ErrAuthenticationFailed),
		})
		return
	}

	e := c.exportEntry(inv.Target)
	if e == nil {
		c.releaseUnbound(inv)
		c.enqueueException(key, inv, &ExceptionRecord{
			Kind:        KindUnknownTarget,
			Description: fmt.Sprintf("no object exported under handle %v: %v", inv.Target, ErrUnknownTarget),
		})
		return
	}
	if err := c.bindInbound(inv); err != nil {
		c.enqueueException(key, inv, exceptionFromError(err))
		return
	}

	ctx := contextServing(ContextWithConnection(c.ctx, c), c, inv)
	c.runOn(key, inv, func() {
		reply := inv.Dispatch(ctx, e.obj, e.ops)
		c.stats.incr(&c.stats.requestsServed)
		c.sendReply(inv, reply)
	})
}

func (c *Connection) enqueueException(key string, req *Invocation, exc *ExceptionRecord) {
	c.runOn(key, req, func() {
		c.sendReply(req, &Invocation{Exception: exc})
	})
}

// runOn queues job on conversation key. The queues refuse work
// once invalidation has begun; the request is then dropped with
// no reply, and the references it carried went with the tables.
func (c *Connection) runOn(key string, req *Invocation, job func()) {
	if !c.convs.enqueue(key, job) {
		c.stats.incr(&c.stats.requestsDropped)
		vv("%v dropping request msgID %v '%v': connection closing", c, req.MsgID, req.Operation)
	}
}

// releaseUnbound gives back the references the peer counted
// for an invocation we never bound.
func (c *Connection) releaseUnbound(inv *Invocation) {
	counts := make(map[uint64]int64)
	for _, h := range senderOwnedRefs(inv) {
		counts[h]++
	}
	for h, n := range counts {
		go c.sendRelease(h, n)
	}
}

// sendReply answers req, unless it was one-way.
func (c *Connection) sendReply(req *Invocation, reply *Invocation) {
	if req.OneWay {
		if reply.Exception != nil {
			vv("%v one-way '%v' raised: %v", c, req.Operation, reply.Exception.Description)
		}
		reply.Return = nil
		return
	}
	if !c.IsValid() {
		return
	}
	reply.MsgID = req.MsgID
	reply.Direction = Reply
	reply.Target = noHandle
	reply.Operation = req.Operation
	reply.Conversation = req.Conversation

	payload, counted, err := encodeInvocation(reply, c)
	if err != nil {
		// the return value could not go back; say so instead.
		reply = &Invocation{
			MsgID:     req.MsgID,
			Direction: Reply,
			Operation: req.Operation,
			Exception: exceptionFromError(err),
		}
		payload, counted, err = encodeInvocation(reply, c)
		if err != nil {
			alwaysPrintf("%v cannot encode reply to msgID %v: %v", c, req.MsgID, err)
			return
		}
	}
	if reply.Exception != nil {
		c.stats.incr(&c.stats.exceptionsSent)
	}
	deadline := time.Now().Add(c.ReplyTimeout())
	err = c.send.Send(c.ctx, &Frame{MsgID: req.MsgID, Kind: KindReply, Payload: payload}, deadline)
	if err != nil {
		c.giveBack(counted)
		if errors.Is(err, ErrPortClosed) {
			c.InvalidateWithReason(err)
			return
		}
		alwaysPrintf("%v reply to msgID %v not sent: %v", c, req.MsgID, err)
		return
	}
	c.lastSend.Store(time.Now().UnixNano())
}

func (c *Connection) handleReply(f *Frame) {
	w := c.takeWaiter(f.MsgID)
	inv, inner, err := decodeEnvelope(f.Payload, c.cfg.maxFrameSize())
	if err == nil && inv.Direction != Reply {
		err = fmt.Errorf("reply frame holding a %v: %w", inv.Direction, ErrMalformedEnvelope)
	}
	if err != nil {
		c.noteMalformed(f, err)
		if w != nil {
			w.deliver(nil, fmt.Errorf("reply to msgID %v: %w", f.MsgID, err))
		}
		return
	}
	c.malformedRun.Store(0)
	inv.MsgID = f.MsgID

	if w == nil {
		// timed out already, or never ours.
		c.stats.incr(&c.stats.lateReplies)
		vv("%v dropping late reply to msgID %v", c, f.MsgID)
		c.releaseUnbound(inv)
		return
	}
	if a := c.cfg.Authenticator; a != nil && !authenticate(a, inner, inv.AuthData) {
		c.stats.incr(&c.stats.authFailures)
		c.releaseUnbound(inv)
		w.deliver(nil, fmt.Errorf("reply to msgID %v: %w", f.MsgID, ErrAuthenticationFailed))
		return
	}
	if err := c.bindInbound(inv); err != nil {
		w.deliver(nil, err)
		return
	}
	c.stats.observeRoundTrip(time.Since(w.sent))
	w.deliver(inv, nil)
}

func (c *Connection) handleControl(f *Frame) {
	if len(f.Payload) == 0 {
		c.stats.incr(&c.stats.heartbeatsIn)
		return
	}
	m, err := parseControl(f.Payload)
	if err != nil {
		c.noteMalformed(f, err)
		return
	}
	c.malformedRun.Store(0)
	vv("%v got control %v", c, m)
	switch m.Op {
	case ctlHello:
		if err := compatibleVersions(c.cfg.ProtocolVersion, m.Version); err != nil {
			c.InvalidateWithReason(err)
			return
		}
		c.mut.Lock()
		c.peerVersion = m.Version
		c.mut.Unlock()
		c.helloRecvd.Close()
	case ctlShutdown:
		c.InvalidateWithReason(ErrPeerShutdown)
	case ctlRelease:
		c.ReleaseHandle(m.Handle, m.Count)
	}
}

// ========================
// control sends
// ========================

func (c *Connection) sendControl(m *controlMsg) error {
	return c.sendControlFrame(appendControl(nil, m), c.ReplyTimeout())
}

func (c *Connection) sendControlFrame(payload []byte, timeout time.Duration) error {
	if !c.IsValid() {
		return ErrConnectionInvalid
	}
	err := c.send.Send(c.ctx, &Frame{Kind: KindControl, Payload: payload}, time.Now().Add(timeout))
	if err != nil {
		if errors.Is(err, ErrPortClosed) {
			c.InvalidateWithReason(err)
		}
		return err
	}
	c.lastSend.Store(time.Now().UnixNano())
	return nil
}

func (c *Connection) sendRelease(h uint64, n int64) {
	err := c.sendControl(&controlMsg{Op: ctlRelease, Handle: h, Count: n})
	if err != nil {
		vv("%v release(%v, %v) not sent: %v", c, h, n, err)
	}
}

// runKeepAlive sends a heartbeat whenever nothing else was
// sent for interval.
func (c *Connection) runKeepAlive(interval time.Duration) {
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-c.Halt.ReqStop.Chan:
			return
		case <-tick.C:
			idle := time.Since(time.Unix(0, c.lastSend.Load()))
			if idle >= interval {
				c.sendControlFrame(nil, interval)
			}
		}
	}
}

// ========================
// invalidation
// ========================

// Invalidate shuts the Connection down for good.
func (c *Connection) Invalidate() {
	c.InvalidateWithReason(nil)
}

// InvalidateWithReason is Invalidate recording why. Only the
// first call has any effect: it tells the peer (best effort),
// invalidates both Ports, fails every pending call with
// ErrConnectionInvalid, invalidates every imported Proxy,
// empties both tables, and leaves the ConnectionRegistry.
func (c *Connection) InvalidateWithReason(reason error) {
	if !c.invalid.CompareAndSwap(false, true) {
		return
	}
	if reason == nil {
		reason = ErrConnectionInvalid
	}
	c.mut.Lock()
	c.reason = reason
	waiters := c.waiters
	c.waiters = make(map[uint64]*waiter)
	imports := c.imports
	c.imports = make(map[uint64]*Proxy)
	c.exports = make(map[uint64]*exportEntry)
	c.exportByObj = make(map[Exportable]*exportEntry)
	cancelObs := c.cancelObs
	c.cancelObs = nil
	c.mut.Unlock()

	pp("%v invalidated: %v", c, reason)
	for _, cancel := range cancelObs {
		cancel()
	}

	if c.send.IsValid() && !errors.Is(reason, ErrPeerShutdown) && !errors.Is(reason, ErrPortClosed) {
		payload := appendControl(nil, &controlMsg{Op: ctlShutdown})
		c.send.Send(nil, &Frame{Kind: KindControl, Payload: payload}, time.Now().Add(shutdownNoticeTimeout))
	}

	c.cancel()
	c.convs.close()
	c.Halt.ReqStop.CloseWithReason(reason)
	c.recv.Invalidate()
	if c.send != c.recv {
		c.send.Invalidate()
	}

	for _, w := range waiters {
		w.deliver(nil, fmt.Errorf("msgID %v: %w: %v", w.msgID, ErrConnectionInvalid, reason))
	}
	for _, p := range imports {
		p.invalid.Store(true)
	}
	Registry().remove(c)
}

// Stats returns a snapshot of the Connection's counters.
func (c *Connection) Stats() (cs ConnectionStats) {
	cs.Name = c.name
	cs.Serial = c.serial
	cs.Remote = c.send.Addr()
	if la, ok := c.send.(interface{ LocalAddr() string }); ok {
		cs.Local = la.LocalAddr()
	}
	cs.Valid = c.IsValid()
	c.stats.fill(&cs)
	c.mut.Lock()
	cs.Exports = len(c.exports)
	cs.Imports = len(c.imports)
	cs.Waiters = len(c.waiters)
	c.mut.Unlock()
	cs.Conversations = c.convs.active()
	return
}

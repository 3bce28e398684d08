package distobj

import (
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// envelopeVersion is the first field of every invocation body.
const envelopeVersion = 1

// =========================
//
// invocation payload structure
//
// [u8 compression] then, compressed per that byte:
//
//	bytes(inner) bytes(auth)
//
// inner is a sequence of msgpack values:
//
//	version, direction, target, operation, conversation, oneway,
//	argcount, argcount * arg,
//	hasReturn, [arg],
//	hasException, [kind, description]
//
// arg is: policy, tag, bytes. For a by-reference arg the tag
// is empty and the bytes hold: owner, handle.
//
// auth is produced over inner by the Authenticator; it is
// empty when none is configured.
//
// =========================

// EncodeInvocation produces the frame payload for inv.
//
// With a nil conn only the raw wire fields are written: every
// by-copy arg must already carry Tag and Payload (or a Value
// the builtin coders can serialize), every by-reference arg
// its Owner and Handle. With a conn, live Values are bound
// first: by-copy values through the conn's coders, local
// objects exported with one more outstanding reference per
// send, and Proxies turned back into the peer's own handles.
func EncodeInvocation(inv *Invocation, conn *Connection) ([]byte, error) {
	b, _, err := encodeInvocation(inv, conn)
	return b, err
}

// encodeInvocation also returns the handles whose refcounts it
// bumped, so a failed send can give them back.
func encodeInvocation(inv *Invocation, conn *Connection) (b []byte, counted []uint64, err error) {
	coders := defaultCoders
	algo := inv.compression
	minCompress := 0
	var auth Authenticator
	if conn != nil {
		coders = conn.cfg.coders()
		algo = conn.compression
		minCompress = conn.cfg.CompressMinBytes
		auth = conn.cfg.Authenticator
		counted, err = conn.bindOutbound(inv)
		if err != nil {
			return nil, nil, err
		}
	} else {
		for i := range inv.Args {
			if err = fillCopyPayload(&inv.Args[i], coders); err != nil {
				return nil, nil, err
			}
		}
		if inv.Return != nil {
			if err = fillCopyPayload(inv.Return, coders); err != nil {
				return nil, nil, err
			}
		}
	}
	defer func() {
		if err != nil && conn != nil {
			conn.giveBack(counted)
			counted = nil
		}
	}()

	inner := appendInner(nil, inv)
	if auth != nil {
		inv.AuthData, err = authenticationData(auth, inner)
		if err != nil {
			return nil, counted, fmt.Errorf("authentication data for msgID %v: %w: %v", inv.MsgID, ErrAuthenticationFailed, err)
		}
	}
	body := msgp.AppendBytes(nil, inner)
	body = msgp.AppendBytes(body, inv.AuthData)

	if conn != nil && (algo == compressNone || len(body) < minCompress) {
		algo = compressNone
	}
	inv.compression = algo
	zbody, err := compressBody(algo, body)
	if err != nil {
		return nil, counted, err
	}
	b = make([]byte, 0, 1+len(zbody))
	b = append(b, byte(algo))
	b = append(b, zbody...)
	return b, counted, nil
}

func fillCopyPayload(a *Argument, coders *CoderRegistry) (err error) {
	if a.Policy != ByCopy || a.Tag != "" {
		return nil
	}
	a.Tag, a.Payload, err = coders.EncodeValue(a.Value)
	return
}

func appendInner(b []byte, inv *Invocation) []byte {
	b = msgp.AppendUint64(b, envelopeVersion)
	b = msgp.AppendUint64(b, uint64(inv.Direction))
	b = msgp.AppendUint64(b, inv.Target)
	b = msgp.AppendString(b, inv.Operation)
	b = msgp.AppendString(b, inv.Conversation)
	b = msgp.AppendBool(b, inv.OneWay)
	b = msgp.AppendArrayHeader(b, uint32(len(inv.Args)))
	for i := range inv.Args {
		b = appendArg(b, &inv.Args[i])
	}
	b = msgp.AppendBool(b, inv.Return != nil)
	if inv.Return != nil {
		b = appendArg(b, inv.Return)
	}
	b = msgp.AppendBool(b, inv.Exception != nil)
	if inv.Exception != nil {
		b = msgp.AppendString(b, string(inv.Exception.Kind))
		b = msgp.AppendString(b, inv.Exception.Description)
	}
	return b
}

func appendArg(b []byte, a *Argument) []byte {
	b = msgp.AppendUint64(b, uint64(a.Policy))
	if a.Policy == ByRef {
		b = msgp.AppendString(b, "")
		ref := msgp.AppendUint64(nil, uint64(a.Owner))
		ref = msgp.AppendUint64(ref, a.Handle)
		return msgp.AppendBytes(b, ref)
	}
	b = msgp.AppendString(b, a.Tag)
	return msgp.AppendBytes(b, a.Payload)
}

// DecodeInvocation parses a frame payload. With a nil conn only
// the raw wire fields are filled in, and
// EncodeInvocation(DecodeInvocation(b, nil), nil) reproduces b.
// With a conn, by-copy values are decoded and references are
// bound to imported Proxies or local objects.
func DecodeInvocation(b []byte, conn *Connection) (*Invocation, error) {
	maxSize := defaultMaxFrameSize
	if conn != nil {
		maxSize = conn.cfg.maxFrameSize()
	}
	inv, _, err := decodeEnvelope(b, maxSize)
	if err != nil {
		return nil, err
	}
	if conn != nil {
		if err = conn.bindInbound(inv); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// decodeEnvelope returns the raw Invocation and the inner bytes
// the auth data was computed over.
func decodeEnvelope(b []byte, maxSize int) (inv *Invocation, inner []byte, err error) {
	if len(b) < 1 {
		return nil, nil, fmt.Errorf("empty payload: %w", ErrMalformedEnvelope)
	}
	algo := compressAlgo(b[0])
	if algo >= compressOutOfBounds {
		return nil, nil, fmt.Errorf("compression byte %v: %w", b[0], ErrMalformedEnvelope)
	}
	body, err := decompressBody(algo, b[1:], maxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress %v: %v: %w", algo, err, ErrMalformedEnvelope)
	}
	w := newWireReader(body)
	if inner, err = w.bytes("inner"); err != nil {
		return nil, nil, err
	}
	auth, err := w.bytes("auth")
	if err != nil {
		return nil, nil, err
	}
	if err = w.done("body"); err != nil {
		return nil, nil, err
	}
	inv, err = parseInner(inner)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) > 0 {
		inv.AuthData = auth
	}
	inv.compression = algo
	return inv, inner, nil
}

func malformed(what string, err error) error {
	return fmt.Errorf("reading %v: %v: %w", what, err, ErrMalformedEnvelope)
}

func parseInner(b []byte) (inv *Invocation, err error) {
	inv = &Invocation{}
	w := newWireReader(b)
	var u uint64
	if u, err = w.uint64("version"); err != nil {
		return nil, err
	}
	if u != envelopeVersion {
		return nil, fmt.Errorf("envelope version %v, want %v: %w", u, envelopeVersion, ErrMalformedEnvelope)
	}
	if u, err = w.uint64("direction"); err != nil {
		return nil, err
	}
	if u > uint64(Reply) {
		return nil, fmt.Errorf("direction %v: %w", u, ErrMalformedEnvelope)
	}
	inv.Direction = Direction(u)

	if inv.Target, err = w.uint64("target"); err != nil {
		return nil, err
	}
	if inv.Operation, err = w.string("operation"); err != nil {
		return nil, err
	}
	if inv.Conversation, err = w.string("conversation"); err != nil {
		return nil, err
	}
	if inv.OneWay, err = w.bool("oneway"); err != nil {
		return nil, err
	}

	n, err := w.arrayHeader("argcount")
	if err != nil {
		return nil, err
	}
	// each arg takes at least 3 bytes; refuse counts the
	// remaining bytes cannot hold.
	if int(n) > len(w.b)/3 {
		return nil, fmt.Errorf("argcount %v with %v bytes left: %w", n, len(w.b), ErrMalformedEnvelope)
	}
	if n > 0 {
		inv.Args = make([]Argument, n)
	}
	for i := range inv.Args {
		if err = readArg(w, &inv.Args[i]); err != nil {
			return nil, err
		}
	}

	has, err := w.bool("hasReturn")
	if err != nil {
		return nil, err
	}
	if has {
		inv.Return = &Argument{}
		if err = readArg(w, inv.Return); err != nil {
			return nil, err
		}
	}
	if has, err = w.bool("hasException"); err != nil {
		return nil, err
	}
	if has {
		kind, err := w.string("exception kind")
		if err != nil {
			return nil, err
		}
		desc, err := w.string("exception description")
		if err != nil {
			return nil, err
		}
		inv.Exception = &ExceptionRecord{Kind: ExceptionKind(kind), Description: desc}
	}
	if err = w.done("inner"); err != nil {
		return nil, err
	}
	return inv, nil
}

func readArg(w *wireReader, a *Argument) (err error) {
	var pol uint64
	if pol, err = w.uint64("arg policy"); err != nil {
		return err
	}
	if pol > uint64(ByRef) {
		return fmt.Errorf("arg policy %v: %w", pol, ErrMalformedEnvelope)
	}
	a.Policy = Policy(pol)
	if a.Tag, err = w.string("arg tag"); err != nil {
		return err
	}
	payload, err := w.bytes("arg bytes")
	if err != nil {
		return err
	}
	if a.Policy == ByCopy {
		// every coder has a tag; without one the receiver
		// could not decode the value.
		if a.Tag == "" {
			return fmt.Errorf("by-copy arg without a type tag: %w", ErrMalformedEnvelope)
		}
		a.Payload = payload
		return nil
	}
	if a.Tag != "" {
		return fmt.Errorf("by-reference arg with tag '%v': %w", a.Tag, ErrMalformedEnvelope)
	}
	ref := newWireReader(payload)
	var owner uint64
	if owner, err = ref.uint64("ref owner"); err != nil {
		return err
	}
	if owner > uint64(OwnedByReceiver) {
		return fmt.Errorf("ref owner %v: %w", owner, ErrMalformedEnvelope)
	}
	a.Owner = RefOwner(owner)
	if a.Handle, err = ref.uint64("ref handle"); err != nil {
		return err
	}
	if a.Handle == 0 {
		return fmt.Errorf("ref handle 0: %w", ErrMalformedEnvelope)
	}
	return ref.done("ref")
}

// bindOutbound fills in the raw wire fields of every live
// argument value, exporting local objects as needed.
func (c *Connection) bindOutbound(inv *Invocation) (counted []uint64, err error) {
	bind := func(a *Argument) error {
		switch a.Policy {
		case ByCopy:
			if a.Tag != "" && a.Value == nil {
				return nil // pre-encoded.
			}
			var err error
			a.Tag, a.Payload, err = c.cfg.coders().EncodeValue(a.Value)
			return err
		case ByRef:
			switch x := a.Value.(type) {
			case nil:
				if a.Handle == 0 {
					return fmt.Errorf("by-reference arg without object or handle: %w", ErrPayloadTypeMismatch)
				}
				return nil
			case *Proxy:
				if x.conn != c {
					return fmt.Errorf("proxy for handle %v belongs to another connection: %w", x.handle, ErrPayloadTypeMismatch)
				}
				if !x.IsValid() {
					return fmt.Errorf("passing released proxy for handle %v: %w", x.handle, ErrConnectionInvalid)
				}
				a.Owner = OwnedByReceiver
				a.Handle = x.handle
				return nil
			case Exportable:
				h, err := c.exportRef(x)
				if err != nil {
					return err
				}
				counted = append(counted, h)
				a.Owner = OwnedBySender
				a.Handle = h
				return nil
			default:
				return fmt.Errorf("%T cannot be passed by reference; it is not Exportable: %w", a.Value, ErrPayloadTypeMismatch)
			}
		}
		return fmt.Errorf("arg policy %v: %w", a.Policy, ErrPayloadTypeMismatch)
	}

	for i := range inv.Args {
		if err = bind(&inv.Args[i]); err != nil {
			c.giveBack(counted)
			return nil, fmt.Errorf("arg %v of '%v': %w", i, inv.Operation, err)
		}
	}
	if inv.Return != nil {
		if err = bind(inv.Return); err != nil {
			c.giveBack(counted)
			return nil, fmt.Errorf("return value of msgID %v: %w", inv.MsgID, err)
		}
	}
	return counted, nil
}

// bindInbound turns the raw wire fields into live values.
// References are bound first; if a by-copy value then fails
// to decode, the Proxies just imported are released again.
func (c *Connection) bindInbound(inv *Invocation) error {
	var imported []*Proxy
	bindRef := func(a *Argument) error {
		if a.Policy != ByRef {
			return nil
		}
		switch a.Owner {
		case OwnedBySender:
			p, err := c.importRef(a.Handle)
			if err != nil {
				return err
			}
			imported = append(imported, p)
			a.Value = p
		case OwnedByReceiver:
			obj, ok := c.ObjectForHandle(a.Handle)
			if !ok {
				return fmt.Errorf("handle %v handed back to us is not exported: %w", a.Handle, ErrUnknownTarget)
			}
			a.Value = obj
		}
		a.bound = true
		return nil
	}
	bindCopy := func(a *Argument) (err error) {
		if a.Policy != ByCopy {
			return nil
		}
		a.Value, err = c.cfg.coders().DecodeValue(a.Tag, a.Payload)
		if err == nil {
			a.bound = true
		}
		return
	}

	fail := func(err error) error {
		for _, p := range imported {
			p.Release()
		}
		return err
	}
	for i := range inv.Args {
		if err := bindRef(&inv.Args[i]); err != nil {
			return fail(fmt.Errorf("arg %v of '%v': %w", i, inv.Operation, err))
		}
	}
	if inv.Return != nil {
		if err := bindRef(inv.Return); err != nil {
			return fail(fmt.Errorf("return value of msgID %v: %w", inv.MsgID, err))
		}
	}
	for i := range inv.Args {
		if err := bindCopy(&inv.Args[i]); err != nil {
			return fail(fmt.Errorf("arg %v of '%v': %w", i, inv.Operation, err))
		}
	}
	if inv.Return != nil {
		if err := bindCopy(inv.Return); err != nil {
			return fail(fmt.Errorf("return value of msgID %v: %w", inv.MsgID, err))
		}
	}
	return nil
}

// senderOwnedRefs lists the handles in inv that its sender
// exported and counted for us.
func senderOwnedRefs(inv *Invocation) (hs []uint64) {
	for i := range inv.Args {
		a := &inv.Args[i]
		if a.Policy == ByRef && a.Owner == OwnedBySender {
			hs = append(hs, a.Handle)
		}
	}
	if a := inv.Return; a != nil && a.Policy == ByRef && a.Owner == OwnedBySender {
		hs = append(hs, a.Handle)
	}
	return
}

package distobj

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

const (
	// defaultMaxFrameSize bounds a single frame, so a corrupt
	// length prefix cannot make us allocate without limit.
	defaultMaxFrameSize = 16 << 20

	// messageID (8) + kind (1)
	frameFixedLen = 9
)

// FrameKind is the u8 kind byte of every frame.
type FrameKind uint8

const (
	KindRequest FrameKind = 0
	KindReply   FrameKind = 1
	KindControl FrameKind = 2
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindControl:
		return "control"
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// =========================
//
// frame structure
//
// 1. length: first 4 bytes, big endian uint32.
//            Counts everything after itself: messageID + kind + payload.
//
// 2. messageID: next 8 bytes, big endian uint64.
//            Connection scoped; a reply carries its request's id.
//
// 3. kind: next 1 byte. 0=request, 1=reply, 2=control.
//
// 4. payload: length-9 bytes, produced by the InvocationCodec.
//            An empty control payload is a heartbeat.
//
// =========================

// Frame is one message on the wire.
type Frame struct {
	MsgID   uint64
	Kind    FrameKind
	Payload []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("&Frame{MsgID:%v, Kind:%v, len %v Payload}", f.MsgID, f.Kind, len(f.Payload))
}

// a workspace lets us re-use the header scratch
// without constantly allocating. There should be one
// for reading, and a separate one for writing, so
// the reader and writer goroutines do not collide.
type workspace struct {
	hdr [4 + frameFixedLen]byte

	// maxSize can be changed while frames are moving.
	maxSize atomic.Int64
}

func newWorkspace(maxFrameSize int) *workspace {
	w := &workspace{}
	w.setMaxSize(maxFrameSize)
	return w
}

func (w *workspace) setMaxSize(n int) {
	if n <= 0 {
		n = defaultMaxFrameSize
	}
	w.maxSize.Store(int64(n))
}

// readFrame reads one framed message from r. Any error means
// the stream can no longer be trusted to be in sync.
func (w *workspace) readFrame(r *bufio.Reader) (*Frame, error) {
	if _, err := io.ReadFull(r, w.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(w.hdr[0:4])
	if n < frameFixedLen {
		return nil, fmt.Errorf("frame length %v below minimum %v: %w", n, frameFixedLen, ErrMalformedEnvelope)
	}
	if max := w.maxSize.Load(); int64(n) > max {
		return nil, fmt.Errorf("frame length %v over max %v: %w", n, max, ErrFrameTooLarge)
	}
	f := &Frame{
		MsgID: binary.BigEndian.Uint64(w.hdr[4:12]),
		Kind:  FrameKind(w.hdr[12]),
	}
	plen := int(n) - frameFixedLen
	if plen > 0 {
		f.Payload = make([]byte, plen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// appendFrame encodes f onto buf, ready for a single Write.
func (w *workspace) appendFrame(buf []byte, f *Frame) ([]byte, error) {
	total := frameFixedLen + len(f.Payload)
	if int64(total) > w.maxSize.Load() {
		return buf, fmt.Errorf("payload of %v bytes: %w", len(f.Payload), ErrFrameTooLarge)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint64(buf, f.MsgID)
	buf = append(buf, byte(f.Kind))
	buf = append(buf, f.Payload...)
	return buf, nil
}

// writeFull writes all bytes in buf to w.
func writeFull(w io.Writer, buf []byte) error {
	need := len(buf)
	total := 0
	for total < need {
		n, err := w.Write(buf[total:])
		total += n
		if total == need {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

package distobj

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/glycerine/greenpack/msgp"
)

// Control frames carry connection housekeeping. An empty payload
// is a heartbeat. Otherwise the payload is a msgpack array
// whose first element names the operation:
//
//	["hello", version]
//	["shutdown"]
//	["release", handle, count]
const (
	ctlHello    = "hello"
	ctlShutdown = "shutdown"
	ctlRelease  = "release"
)

type controlMsg struct {
	Op      string
	Version string
	Handle  uint64
	Count   int64
}

func (m *controlMsg) String() string {
	switch m.Op {
	case ctlHello:
		return fmt.Sprintf("hello(%v)", m.Version)
	case ctlRelease:
		return fmt.Sprintf("release(handle %v, count %v)", m.Handle, m.Count)
	}
	return m.Op
}

func appendControl(b []byte, m *controlMsg) []byte {
	switch m.Op {
	case ctlHello:
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, m.Op)
		b = msgp.AppendString(b, m.Version)
	case ctlRelease:
		b = msgp.AppendArrayHeader(b, 3)
		b = msgp.AppendString(b, m.Op)
		b = msgp.AppendUint64(b, m.Handle)
		b = msgp.AppendInt64(b, m.Count)
	default:
		b = msgp.AppendArrayHeader(b, 1)
		b = msgp.AppendString(b, m.Op)
	}
	return b
}

func parseControl(b []byte) (m *controlMsg, err error) {
	w := newWireReader(b)
	n, err := w.arrayHeader("control header")
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("empty control array: %w", ErrMalformedEnvelope)
	}
	m = &controlMsg{}
	if m.Op, err = w.string("control op"); err != nil {
		return nil, err
	}
	var want uint32
	switch m.Op {
	case ctlHello:
		want = 2
	case ctlRelease:
		want = 3
	case ctlShutdown:
		want = 1
	default:
		return nil, fmt.Errorf("unknown control op '%v': %w", m.Op, ErrMalformedEnvelope)
	}
	if n != want {
		return nil, fmt.Errorf("%v with %v fields: %w", m.Op, n, ErrMalformedEnvelope)
	}
	switch m.Op {
	case ctlHello:
		if m.Version, err = w.string("hello version"); err != nil {
			return nil, err
		}
	case ctlRelease:
		if m.Handle, err = w.uint64("release handle"); err != nil {
			return nil, err
		}
		if m.Count, err = w.int64("release count"); err != nil {
			return nil, err
		}
		if m.Count <= 0 {
			return nil, fmt.Errorf("release count %v: %w", m.Count, ErrMalformedEnvelope)
		}
	}
	if err = w.done("control " + m.Op); err != nil {
		return nil, err
	}
	return m, nil
}

func parseProtocolVersion(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("protocol version '%v': %v: %w", v, err, ErrIncompatibleVersion)
	}
	return sv, nil
}

// compatibleVersions reports whether a peer announcing
// theirs can talk to us at ours: the major versions must match.
func compatibleVersions(ours, theirs string) error {
	us, err := parseProtocolVersion(ours)
	if err != nil {
		return err
	}
	them, err := parseProtocolVersion(theirs)
	if err != nil {
		return err
	}
	con, err := semver.NewConstraint(fmt.Sprintf(">= %v.0.0-0, < %v.0.0-0", us.Major(), us.Major()+1))
	if err != nil {
		return err
	}
	if !con.Check(them) {
		return fmt.Errorf("peer speaks %v, we speak %v: %w", them, us, ErrIncompatibleVersion)
	}
	return nil
}

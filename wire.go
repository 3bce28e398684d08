package distobj

import (
	"bytes"
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// wireReader reads envelope fields only in the exact form the
// encoder writes them. msgp happily reads a nil as "" or 0, and
// a uint16 holding 5 as 5; either would re-encode to different
// bytes, so both are refused here as malformed.
type wireReader struct {
	nbs msgp.NilBitsStack
	b   []byte
}

func newWireReader(b []byte) *wireReader {
	return &wireReader{b: b}
}

// advance consumes up to rest, provided the consumed bytes are
// the canonical encoding canon.
func (w *wireReader) advance(what string, rest, canon []byte) error {
	used := w.b[:len(w.b)-len(rest)]
	if !bytes.Equal(used, canon) {
		return nonCanonical(what, used)
	}
	w.b = rest
	return nil
}

func nonCanonical(what string, used []byte) error {
	if len(used) > 8 {
		used = used[:8]
	}
	return fmt.Errorf("reading %v: non-canonical encoding starting % x: %w", what, used, ErrMalformedEnvelope)
}

func (w *wireReader) uint64(what string) (uint64, error) {
	u, rest, err := w.nbs.ReadUint64Bytes(w.b)
	if err != nil {
		return 0, malformed(what, err)
	}
	return u, w.advance(what, rest, msgp.AppendUint64(nil, u))
}

func (w *wireReader) int64(what string) (int64, error) {
	i, rest, err := w.nbs.ReadInt64Bytes(w.b)
	if err != nil {
		return 0, malformed(what, err)
	}
	return i, w.advance(what, rest, msgp.AppendInt64(nil, i))
}

func (w *wireReader) bool(what string) (bool, error) {
	v, rest, err := w.nbs.ReadBoolBytes(w.b)
	if err != nil {
		return false, malformed(what, err)
	}
	return v, w.advance(what, rest, msgp.AppendBool(nil, v))
}

func (w *wireReader) string(what string) (string, error) {
	s, rest, err := w.nbs.ReadStringBytes(w.b)
	if err != nil {
		return "", malformed(what, err)
	}
	return s, w.advance(what, rest, msgp.AppendString(nil, s))
}

func (w *wireReader) arrayHeader(what string) (uint32, error) {
	n, rest, err := w.nbs.ReadArrayHeaderBytes(w.b)
	if err != nil {
		return 0, malformed(what, err)
	}
	return n, w.advance(what, rest, msgp.AppendArrayHeader(nil, n))
}

// bytes returns a copy of the next bin field. Only its header is
// compared, so large payloads are not encoded twice.
func (w *wireReader) bytes(what string) ([]byte, error) {
	v, rest, err := w.nbs.ReadBytesBytes(w.b, nil)
	if err != nil {
		return nil, malformed(what, err)
	}
	used := w.b[:len(w.b)-len(rest)]
	hdr := binHeader(len(v))
	if len(used) != len(hdr)+len(v) || !bytes.Equal(used[:len(hdr)], hdr) {
		return nil, nonCanonical(what, used)
	}
	w.b = rest
	return v, nil
}

// binHeader is the header msgp.AppendBytes writes for n bytes.
func binHeader(n int) []byte {
	switch {
	case n <= 0xff:
		return []byte{0xc4, byte(n)}
	case n <= 0xffff:
		return []byte{0xc5, byte(n >> 8), byte(n)}
	}
	return []byte{0xc6, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// done fails if anything is left over.
func (w *wireReader) done(what string) error {
	if len(w.b) != 0 {
		return fmt.Errorf("%v trailing bytes after %v: %w", len(w.b), what, ErrMalformedEnvelope)
	}
	return nil
}

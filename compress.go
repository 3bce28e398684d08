package distobj

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// The first byte of every invocation payload says which
// compression, if any, was applied to the rest of it:
// 00 => no compression
// 01 => s2
// 02 => lz4
// 03 => zstd
type compressAlgo byte

const (
	compressNone compressAlgo = 0
	compressS2   compressAlgo = 1
	compressLZ4  compressAlgo = 2
	compressZstd compressAlgo = 3

	// keep this last.
	compressOutOfBounds compressAlgo = 4
)

func (c compressAlgo) String() string {
	switch c {
	case compressNone:
		return ""
	case compressS2:
		return "s2"
	case compressLZ4:
		return "lz4"
	case compressZstd:
		return "zstd"
	}
	return fmt.Sprintf("compressAlgo(%d)", byte(c))
}

// parseCompressAlgo maps a Config.Compression name to its byte.
func parseCompressAlgo(name string) (compressAlgo, error) {
	switch name {
	case "", "none":
		return compressNone, nil
	case "s2":
		return compressS2, nil
	case "lz4":
		return compressLZ4, nil
	case "zstd":
		return compressZstd, nil
	}
	return compressNone, fmt.Errorf("unknown compression algorithm '%v'; want one of: none, s2, lz4, zstd", name)
}

// zstd Encoders and Decoders are safe for concurrent
// EncodeAll/DecodeAll, so one encoder serves the whole process,
// and one decoder serves each distinct output limit.
var zstdOnce sync.Once
var zstdEnc *zstd.Encoder

func zstdEncoder() *zstd.Encoder {
	zstdOnce.Do(func() {
		var err error
		zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		panicOn(err)
	})
	return zstdEnc
}

// maxSize -> *zstd.Decoder
var zstdDecoders sync.Map

func zstdDecoderFor(maxSize int) (*zstd.Decoder, error) {
	if d, ok := zstdDecoders.Load(maxSize); ok {
		return d.(*zstd.Decoder), nil
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxSize)),
	)
	if err != nil {
		return nil, err
	}
	d, loaded := zstdDecoders.LoadOrStore(maxSize, dec)
	if loaded {
		dec.Close()
	}
	return d.(*zstd.Decoder), nil
}

func compressBody(algo compressAlgo, body []byte) ([]byte, error) {
	switch algo {
	case compressNone:
		return body, nil
	case compressS2:
		return s2.Encode(nil, body), nil
	case compressLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case compressZstd:
		return zstdEncoder().EncodeAll(body, nil), nil
	}
	return nil, fmt.Errorf("cannot compress with %v", algo)
}

// decompressBody refuses to inflate past maxSize, so a tiny
// frame cannot expand into an unbounded allocation.
func decompressBody(algo compressAlgo, body []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxFrameSize
	}
	switch algo {
	case compressNone:
		if len(body) > maxSize {
			return nil, ErrFrameTooLarge
		}
		return body, nil
	case compressS2:
		n, err := s2.DecodedLen(body)
		if err != nil {
			return nil, err
		}
		if n > maxSize {
			return nil, ErrFrameTooLarge
		}
		return s2.Decode(nil, body)
	case compressLZ4:
		r := lz4.NewReader(bytes.NewReader(body))
		out, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
		if err != nil {
			return nil, err
		}
		if len(out) > maxSize {
			return nil, ErrFrameTooLarge
		}
		return out, nil
	case compressZstd:
		dec, err := zstdDecoderFor(maxSize)
		if err != nil {
			return nil, err
		}
		// the decoder stops as soon as a frame header, window, or
		// block would take the output past maxSize.
		out, err := dec.DecodeAll(body, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) || errors.Is(err, zstd.ErrFrameSizeExceeded) {
				return nil, ErrFrameTooLarge
			}
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown compression byte %v", byte(algo))
}

package distobj

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test130_compression_round_trips(t *testing.T) {

	cv.Convey("every compression algorithm round trips, and shrinks a repetitive body", t, func() {
		body := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)
		for _, name := range []string{"none", "s2", "lz4", "zstd"} {
			algo, err := parseCompressAlgo(name)
			panicOn(err)
			z, err := compressBody(algo, body)
			panicOn(err)
			if algo != compressNone {
				cv.So(len(z), cv.ShouldBeLessThan, len(body))
			}
			back, err := decompressBody(algo, z, defaultMaxFrameSize)
			panicOn(err)
			cv.So(bytes.Equal(back, body), cv.ShouldBeTrue)
		}

		_, err := parseCompressAlgo("gzip")
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test131_decompression_is_bounded(t *testing.T) {

	cv.Convey("a small compressed body that inflates past the limit is refused", t, func() {
		body := make([]byte, 1<<20) // zeros compress very well.
		for _, algo := range []compressAlgo{compressS2, compressLZ4, compressZstd} {
			z, err := compressBody(algo, body)
			panicOn(err)
			cv.So(len(z), cv.ShouldBeLessThan, 64<<10)
			_, err = decompressBody(algo, z, 64<<10)
			cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)
		}
		// an uncompressed body is held to the same limit.
		_, err := decompressBody(compressNone, make([]byte, 100), 64)
		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)

		_, err = decompressBody(compressOutOfBounds, []byte{1}, 100)
		cv.So(err, cv.ShouldNotBeNil)
	})
}

func Test132_zstd_bomb_is_refused_before_inflating(t *testing.T) {

	cv.Convey("a zstd frame claiming 256MB is refused against a 4KB limit without allocating the 256MB", t, func() {
		z := zstdEncoder().EncodeAll(make([]byte, 256<<20), nil)
		cv.So(len(z), cv.ShouldBeLessThan, 1<<20)

		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)
		_, err := decompressBody(compressZstd, z, 4096)
		runtime.ReadMemStats(&after)

		cv.So(errors.Is(err, ErrFrameTooLarge), cv.ShouldBeTrue)
		cv.So(after.TotalAlloc-before.TotalAlloc, cv.ShouldBeLessThan, uint64(32<<20))

		// a body inside the limit still decodes with the same decoder.
		small := bytes.Repeat([]byte("ok "), 1000)
		back, err := decompressBody(compressZstd, zstdEncoder().EncodeAll(small, nil), 4096)
		panicOn(err)
		cv.So(bytes.Equal(back, small), cv.ShouldBeTrue)
	})
}

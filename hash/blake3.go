package hash

import (
	"crypto/subtle"
	"fmt"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// MACLen is the length of a Keyed.Sum tag.
const MACLen = 33

// Keyed computes blake3 keyed MACs and is goroutine safe.
type Keyed struct {
	mut    sync.Mutex
	hasher *blake3.Hasher
}

func NewKeyed(key [32]byte) *Keyed {
	return &Keyed{
		hasher: blake3.New(64, key[:]),
	}
}

// Sum returns the MAC of by, truncated to MACLen bytes.
func (k *Keyed) Sum(by []byte) (mac []byte) {
	k.mut.Lock()
	k.hasher.Reset()
	k.hasher.Write(by)
	mac = k.hasher.Sum(nil)
	k.mut.Unlock()
	return mac[:MACLen]
}

// Verify reports whether mac is the MAC of by, in constant time.
func (k *Keyed) Verify(by, mac []byte) bool {
	if len(mac) != MACLen {
		return false
	}
	return subtle.ConstantTimeCompare(k.Sum(by), mac) == 1
}

// KeyFromSecret stretches a shared secret string into a MAC key.
func KeyFromSecret(secret string) (key [32]byte) {
	h := blake3.New(32, nil)
	h.Write([]byte("distobj keyed mac v1\x00"))
	h.Write([]byte(secret))
	copy(key[:], h.Sum(nil))
	return
}

// Blake3OfBytes is goroutine safe and lock free, since
// it creates a new hasher every time.
func Blake3OfBytes(by []byte) []byte {
	h := blake3.New(64, nil)
	h.Write(by)
	return h.Sum(nil)
}

// Blake3OfBytesString calls Blake3OfBytes.
// The returned string starts with
// the "blake3.33B-" prefix.
func Blake3OfBytesString(by []byte) string {
	sum := Blake3OfBytes(by)
	return RawSumBytesToString(sum)
}

// if you already have the Hasher.Sum() output:
func RawSumBytesToString(by []byte) string {
	if len(by) < 33 {
		panic(fmt.Sprintf("need at least 33 bytes of sum, have %v", len(by)))
	}
	return "blake3.33B-" + cristalbase64.URLEncoding.EncodeToString(by[:33])
}

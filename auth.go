package distobj

import (
	"fmt"

	"github.com/glycerine/distobj/hash"
)

// Authenticator is the optional delegate hook that signs and
// checks invocation bodies. A Connection whose Config carries
// one attaches AuthenticationData to every invocation it sends
// and refuses every invocation for which Authenticate is false:
// a rejected request is answered with an authentication
// exception, a rejected reply fails its call. A panic in either
// method counts as a failure and does not reach the caller.
type Authenticator interface {
	AuthenticationData(body []byte) ([]byte, error)
	Authenticate(body, data []byte) bool
}

// MACAuthenticator signs bodies with a blake3 keyed MAC over a
// secret shared by both peers.
type MACAuthenticator struct {
	k *hash.Keyed
}

// NewMACAuthenticator derives the MAC key from secret.
func NewMACAuthenticator(secret string) *MACAuthenticator {
	return &MACAuthenticator{
		k: hash.NewKeyed(hash.KeyFromSecret(secret)),
	}
}

func (a *MACAuthenticator) AuthenticationData(body []byte) ([]byte, error) {
	return a.k.Sum(body), nil
}

func (a *MACAuthenticator) Authenticate(body, data []byte) bool {
	return a.k.Verify(body, data)
}

// authenticate is a.Authenticate with a panic taken as a refusal.
func authenticate(a Authenticator, body, data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("Authenticate panicked, refusing: %v", r)
			ok = false
		}
	}()
	return a.Authenticate(body, data)
}

// authenticationData is a.AuthenticationData with a panic
// returned as an error.
func authenticationData(a Authenticator, body []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = fmt.Errorf("AuthenticationData panicked: %v", r)
		}
	}()
	return a.AuthenticationData(body)
}

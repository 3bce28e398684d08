package distobj

import (
	"context"
	"crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/quic-go/quic-go"
)

// ALPN protocol name on QUIC ports.
const quicALPN = "distobj"

// NetConnWrapper makes one QUIC stream look like a net.Conn.
type NetConnWrapper struct {
	quic.Stream
	quic.Connection
}

// Close closes the stream and then the whole QUIC
// connection, since we use one stream per connection.
func (w *NetConnWrapper) Close() error {
	err := w.Stream.Close()
	w.Connection.CloseWithError(0, "")
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{
		InitialPacketSize: 1200, // needed to work over Tailscale that defaults to MTU 1280.

		// we send our own keep-alives; see Config.KeepAliveInterval.
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// DialQUICPort opens a QUIC connection to addr ("host:port") and
// one bidirectional stream on it. A nil tlsConf means
// ClientTLSConfig(), which does not verify the server.
func DialQUICPort(ctx context.Context, addr string, tlsConf *tls.Config) (*StreamPort, error) {
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %v: %w", addr, err)
	}
	// There is no signaling to the peer about new streams:
	// the peer can only accept the stream after data has been
	// sent on it. Our hello takes care of that.
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream to %v: %w", addr, err)
	}
	return NewStreamPort(&NetConnWrapper{Stream: stream, Connection: conn}), nil
}

// QUICPortListener accepts QUIC connections and hands out the
// first stream of each as a Port.
type QUICPortListener struct {
	lsn  *quic.Listener
	Halt *idem.Halter

	ports chan Port

	closeOnce sync.Once
}

// ListenQUICPorts listens on the UDP addr ("host:port"). A nil
// tlsConf means SelfSignedTLSConfig().
func ListenQUICPorts(addr string, tlsConf *tls.Config) (*QUICPortListener, error) {
	if tlsConf == nil {
		var err error
		tlsConf, err = SelfSignedTLSConfig()
		if err != nil {
			return nil, err
		}
	}
	lsn, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen on %v: %w", addr, err)
	}
	l := &QUICPortListener{
		lsn:   lsn,
		Halt:  idem.NewHalterNamed(fmt.Sprintf("QUICPortListener(%v)", lsn.Addr())),
		ports: make(chan Port),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *QUICPortListener) acceptLoop() {
	defer l.Halt.Done.Close()
	ctx := context.Background()
	for {
		conn, err := l.lsn.Accept(ctx)
		if err != nil {
			// quic: server closed
			vv("quic accept loop done: %v", err)
			return
		}
		// a slow handshake or silent client must not hold up
		// the next one.
		go l.acceptStream(conn)
	}
}

func (l *QUICPortListener) acceptStream(conn quic.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		alwaysPrintf("quic listener: no stream from %v: %v", conn.RemoteAddr(), err)
		conn.CloseWithError(0, "")
		return
	}
	p := NewStreamPort(&NetConnWrapper{Stream: stream, Connection: conn})
	select {
	case l.ports <- p:
	case <-l.Halt.ReqStop.Chan:
		p.Invalidate()
	}
}

// Accept waits for the next peer's stream.
func (l *QUICPortListener) Accept(ctx context.Context) (Port, error) {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	select {
	case p := <-l.ports:
		return p, nil
	case <-done:
		return nil, ctx.Err()
	case <-l.Halt.ReqStop.Chan:
		return nil, ErrPortClosed
	}
}

// Addr returns the bound UDP "host:port".
func (l *QUICPortListener) Addr() string { return l.lsn.Addr().String() }

func (l *QUICPortListener) Close() (err error) {
	l.closeOnce.Do(func() {
		l.Halt.ReqStop.Close()
		err = l.lsn.Close()
	})
	return
}

// SelfSignedTLSConfig makes a server TLS config with a fresh
// ed25519 self-signed certificate. QUIC requires TLS; peer
// identity is checked by the Authenticator, if any, not here.
func SelfSignedTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := cryrand.Int(cryrand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "distobj"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(cryrand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig is the client side of SelfSignedTLSConfig.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
		MinVersion:         tls.VersionTLS13,
	}
}

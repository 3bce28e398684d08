package distobj

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/glycerine/ipaddr"
)

// Directory is the name server: it maps well-known names to
// endpoints such as "tcp://10.0.0.5:7000" or "quic://host:port".
type Directory interface {
	Register(ctx context.Context, name, endpoint string) error
	Resolve(ctx context.Context, name string) (endpoint string, err error)
	Unregister(ctx context.Context, name string) error
}

// MemoryDirectory is a process-local Directory.
type MemoryDirectory struct {
	m *Mutexmap[string, string]
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{m: NewMutexmap[string, string]()}
}

func (d *MemoryDirectory) Register(ctx context.Context, name, endpoint string) error {
	if err := checkDirectoryName(name); err != nil {
		return err
	}
	if prev, moved := d.m.Set(name, endpoint); moved && prev != endpoint {
		vv("directory: '%v' moved from '%v' to '%v'", name, prev, endpoint)
	}
	return nil
}

func (d *MemoryDirectory) Resolve(ctx context.Context, name string) (string, error) {
	ep, ok := d.m.Get(name)
	if !ok {
		return "", fmt.Errorf("resolve '%v': %w", name, ErrNameNotFound)
	}
	return ep, nil
}

func (d *MemoryDirectory) Unregister(ctx context.Context, name string) error {
	_, ok := d.m.Del(name)
	if !ok {
		return fmt.Errorf("unregister '%v': %w", name, ErrNameNotFound)
	}
	return nil
}

// Names lists the registered names in order.
func (d *MemoryDirectory) Names() []string {
	return sortedKeys(d.m)
}

func checkDirectoryName(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return fmt.Errorf("bad directory name '%v': must be non-empty, without spaces or slashes", name)
	}
	return nil
}

// Endpoint schemes understood by Dial.
const (
	SchemeTCP  = "tcp"
	SchemeQUIC = "quic"
)

// parseEndpoint splits "scheme://host:port". A bare
// "host:port" is taken as tcp.
func parseEndpoint(endpoint string) (scheme, hostport string, err error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = SchemeTCP + "://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("bad endpoint '%v': %w", endpoint, err)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeQUIC:
	default:
		return "", "", fmt.Errorf("endpoint '%v': unknown scheme '%v'", endpoint, u.Scheme)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return "", "", fmt.Errorf("endpoint '%v': %w", endpoint, err)
	}
	return u.Scheme, u.Host, nil
}

// advertisedEndpoint turns a listen address into one a peer can
// dial: an unspecified host (0.0.0.0, ::) is replaced by our
// external IP.
func advertisedEndpoint(scheme, listenAddr string) (string, error) {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = ipaddr.GetExternalIP()
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}

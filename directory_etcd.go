package distobj

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// default key space for names kept in etcd.
const etcdDirectoryPrefix = "/distobj/v1/names"

// EtcdDirectory keeps names in an etcd cluster, so every
// process pointed at the cluster sees the same directory.
type EtcdDirectory struct {
	client *clientv3.Client
	prefix string

	// owned is true when we dialed the client and must close it.
	owned bool
}

// NewEtcdDirectory dials the etcd cluster at endpoints. The
// caller must call Close when finished.
func NewEtcdDirectory(endpoints []string) (*EtcdDirectory, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdDirectory{client: client, prefix: etcdDirectoryPrefix, owned: true}, nil
}

// NewEtcdDirectoryWithClient uses an existing client under
// the given key prefix ("" means the default).
func NewEtcdDirectoryWithClient(client *clientv3.Client, prefix string) *EtcdDirectory {
	if prefix == "" {
		prefix = etcdDirectoryPrefix
	}
	return &EtcdDirectory{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

func (d *EtcdDirectory) key(name string) string {
	return d.prefix + "/" + name
}

func (d *EtcdDirectory) Register(ctx context.Context, name, endpoint string) error {
	if err := checkDirectoryName(name); err != nil {
		return err
	}
	if _, err := d.client.Put(ctx, d.key(name), endpoint); err != nil {
		return fmt.Errorf("etcd put %q: %w", d.key(name), err)
	}
	return nil
}

func (d *EtcdDirectory) Resolve(ctx context.Context, name string) (string, error) {
	resp, err := d.client.Get(ctx, d.key(name))
	if err != nil {
		return "", fmt.Errorf("etcd get %q: %w", d.key(name), err)
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("resolve '%v': %w", name, ErrNameNotFound)
	}
	return string(resp.Kvs[0].Value), nil
}

func (d *EtcdDirectory) Unregister(ctx context.Context, name string) error {
	resp, err := d.client.Delete(ctx, d.key(name))
	if err != nil {
		return fmt.Errorf("etcd delete %q: %w", d.key(name), err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("unregister '%v': %w", name, ErrNameNotFound)
	}
	return nil
}

// Names lists every registered name.
func (d *EtcdDirectory) Names(ctx context.Context) ([]string, error) {
	pfx := d.prefix + "/"
	resp, err := d.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, strings.TrimPrefix(string(kv.Key), pfx))
	}
	return names, nil
}

// Close releases the etcd client, if we dialed it.
func (d *EtcdDirectory) Close() error {
	if !d.owned {
		return nil
	}
	return d.client.Close()
}

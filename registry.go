package distobj

import (
	"sync"

	gjson "github.com/goccy/go-json"
)

// ConnectionRegistry is the process-wide set of live
// Connections, ordered by creation. A Connection joins when it
// starts and leaves when it is invalidated.
type ConnectionRegistry struct {
	conns *connTable
}

var registryOnce sync.Once
var registry *ConnectionRegistry

// Registry returns the process-wide ConnectionRegistry,
// creating it on first use.
func Registry() *ConnectionRegistry {
	registryOnce.Do(func() {
		registry = &ConnectionRegistry{
			conns: newConnTable(),
		}
	})
	return registry
}

func (r *ConnectionRegistry) add(c *Connection) {
	r.conns.insert(c)
}

func (r *ConnectionRegistry) remove(c *Connection) {
	r.conns.remove(c)
}

// AllConnections returns the live Connections, oldest first.
func (r *ConnectionRegistry) AllConnections() []*Connection {
	return r.conns.ordered()
}

// Len is the number of live Connections.
func (r *ConnectionRegistry) Len() int {
	return r.conns.len()
}

// Contains reports whether c is registered.
func (r *ConnectionRegistry) Contains(c *Connection) bool {
	return r.conns.has(c)
}

// ConnectionsTo returns the live Connections whose send or
// receive Port has the given address.
func (r *ConnectionRegistry) ConnectionsTo(addr string) (out []*Connection) {
	for _, c := range r.conns.ordered() {
		if c.send.Addr() == addr || c.recv.Addr() == addr {
			out = append(out, c)
		}
	}
	return
}

// InvalidateAll invalidates every registered Connection.
func (r *ConnectionRegistry) InvalidateAll() {
	// each Invalidate removes itself, so walk a snapshot.
	for _, c := range r.conns.ordered() {
		c.Invalidate()
	}
}

// Snapshot returns the stats of every live Connection.
func (r *ConnectionRegistry) Snapshot() (out []ConnectionStats) {
	for _, c := range r.conns.ordered() {
		out = append(out, c.Stats())
	}
	return
}

// SnapshotJSON is Snapshot as indented JSON.
func (r *ConnectionRegistry) SnapshotJSON() ([]byte, error) {
	snap := r.Snapshot()
	if snap == nil {
		snap = []ConnectionStats{}
	}
	return gjson.MarshalIndent(snap, "", "  ")
}

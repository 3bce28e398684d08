package distobj

import (
	"sync"

	rb "github.com/glycerine/rbtree"
)

// connTable holds Connections in serial order, which is
// creation order. Walks are served from a snapshot that is
// rebuilt only after an insert or remove.
type connTable struct {
	mu   sync.Mutex
	tree *rb.Tree

	version   int64
	snap      []*Connection
	snapValid int64 // version snap was taken at
}

func newConnTable() *connTable {
	return &connTable{
		tree: rb.NewTree(func(a, b rb.Item) int {
			sa := a.(*Connection).serial
			sb := b.(*Connection).serial
			switch {
			case sa < sb:
				return -1
			case sa > sb:
				return 1
			}
			return 0
		}),
		snapValid: -1,
	}
}

// insert adds c, reporting false if its serial is present.
func (t *connTable) insert(c *Connection) (added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.tree.FindGE_isEqual(c); found {
		return false
	}
	t.tree.InsertGetIt(c)
	t.version++
	return true
}

// remove drops the Connection with c's serial, if present.
func (t *connTable) remove(c *Connection) (found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	it, found := t.tree.FindGE_isEqual(c)
	if found {
		t.tree.DeleteWithIterator(it)
		t.version++
	}
	return
}

func (t *connTable) has(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, found := t.tree.FindGE_isEqual(c)
	return found
}

func (t *connTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

// ordered returns a copy of the contents, oldest first.
func (t *connTable) ordered() []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapValid != t.version {
		t.snap = t.snap[:0]
		for it := t.tree.Min(); !it.Limit(); it = it.Next() {
			t.snap = append(t.snap, it.Item().(*Connection))
		}
		t.snapValid = t.version
	}
	return append([]*Connection{}, t.snap...)
}

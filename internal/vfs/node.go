package vfs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"cloudfs/internal/cloud"
)

// CacheNode is the in-memory record of one kernel-visible entry. It is owned
// by the InodeTable; everything else reaches it through its handle.
type CacheNode struct {
	handle Handle
	gen    uint64
	layer  Layer

	// Guarded by the table's path lock. key is empty once unlinked.
	key    string
	name   string
	parent Handle

	// Mutated only while holding the table's write locks.
	lookupRefs atomic.Int64

	mu        sync.Mutex
	attr      fuse.Attr
	cloud     *CloudIdentity
	fetchedAt time.Time

	// Cloud session state. session is non-nil only while sessionRefs > 0.
	// opening is non-nil while a session is being initialized without n.mu
	// held; it is closed once the attempt settles.
	session      cloud.ReadSession
	sessionRefs  int
	opening      chan struct{}
	materialized bool
	ra           readAhead
}

func newCacheNode(h Handle, gen uint64, layer Layer, key, name string, parent Handle, info NodeInfo) *CacheNode {
	n := &CacheNode{
		handle: h,
		gen:    gen,
		layer:  layer,
		key:    key,
		name:   name,
		parent: parent,
	}
	n.refresh(info)
	return n
}

// Handle returns the node's kernel id.
func (n *CacheNode) Handle() Handle { return n.handle }

// Generation returns the value reported to the kernel as the entry generation.
func (n *CacheNode) Generation() uint64 { return n.gen }

// Layer returns the node's tree layer.
func (n *CacheNode) Layer() Layer { return n.layer }

// LookupRefs returns the outstanding kernel lookup count.
func (n *CacheNode) LookupRefs() int64 { return n.lookupRefs.Load() }

// Attr returns a copy of the node's attributes with Ino set to its handle.
func (n *CacheNode) Attr() fuse.Attr {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := n.attr
	a.Ino = uint64(n.handle)
	return a
}

// Cloud returns the remote identity, or nil for local-addressed nodes.
func (n *CacheNode) Cloud() *CloudIdentity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cloud
}

// IsDir reports whether the node is a directory.
func (n *CacheNode) IsDir() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attr.IsDir()
}

// SessionRefs returns the number of open handles sharing the read session.
func (n *CacheNode) SessionRefs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionRefs
}

// Materialized reports whether reads are served from a local copy.
func (n *CacheNode) Materialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.materialized
}

func (n *CacheNode) refresh(info NodeInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attr = info.Attr
	if info.Cloud != nil {
		if n.cloud != nil && n.cloud.AssetKey != info.Cloud.AssetKey {
			// New content remotely; the local copy and window are stale.
			n.materialized = false
			n.ra = readAhead{}
		}
		n.cloud = info.Cloud
	}
	n.fetchedAt = time.Now()
}

func (n *CacheNode) setAttr(a fuse.Attr) {
	n.mu.Lock()
	n.attr = a
	n.fetchedAt = time.Now()
	n.mu.Unlock()
}

func (n *CacheNode) freshWithin(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Since(n.fetchedAt) < d
}

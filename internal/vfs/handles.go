package vfs

import (
	"sync"

	"github.com/go-git/go-billy/v5"
)

// FileHandle is the kernel-visible id of an open file or directory.
type FileHandle uint64

// openFile represents an open file or directory
type openFile struct {
	node    *CacheNode
	key     string // path key at open time
	backend BackendKind
	flags   uint32
	dir     bool

	// session is true when this handle holds a reference on the node's
	// read session.
	session bool

	mu sync.Mutex
	// file is the local file behind the handle: the passthrough file for the
	// local backend, or the canonical copy of a materialized cloud file.
	file billy.File
	// released is set once the handle has been torn down.
	released bool
}

// HandleManager manages open file handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[FileHandle]*openFile
	nextHandle FileHandle
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[FileHandle]*openFile),
		nextHandle: 1,
	}
}

// Allocate registers of and returns its handle.
func (hm *HandleManager) Allocate(of *openFile) FileHandle {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h := hm.nextHandle
	hm.nextHandle++
	hm.handles[h] = of
	return h
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h FileHandle) (*openFile, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	of, ok := hm.handles[h]
	return of, ok
}

// Release removes a handle and returns what it referred to.
func (hm *HandleManager) Release(h FileHandle) (*openFile, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	of, ok := hm.handles[h]
	if ok {
		delete(hm.handles, h)
	}
	return of, ok
}

// Len returns the number of open handles.
func (hm *HandleManager) Len() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// Drain removes every handle and returns them, for teardown on unmount.
// Handle ids are not reset so late releases never hit a reused id.
func (hm *HandleManager) Drain() []*openFile {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make([]*openFile, 0, len(hm.handles))
	for _, of := range hm.handles {
		out = append(out, of)
	}
	hm.handles = make(map[FileHandle]*openFile)
	return out
}

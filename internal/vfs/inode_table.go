package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"cloudfs/internal/cloud"
	"cloudfs/internal/common"
)

// InodeTable maps kernel handles and path keys to cache nodes.
//
// Two locks guard it: pathMu covers the path index, idMu covers the handle
// slots. Readers take one of them shared. Insert, erase and rename take both
// exclusively, always pathMu first, so the two indexes change together.
type InodeTable struct {
	pathMu sync.RWMutex
	paths  map[string]Handle

	idMu       sync.RWMutex
	root       *CacheNode
	bundles    []bundleSlot
	bundleSlot map[string]int
	bundleFree []int
	pinned     map[string]bool
	slots      []nestedSlot
	free       []uint32
	gen        uint64
	count      int

	fetches singleflight.Group

	// refreshAfter is how long fetched attributes are trusted before a
	// repeated lookup fetches again.
	refreshAfter time.Duration

	onCount func(int)
}

type bundleSlot struct {
	name string
	gen  uint64
	node *CacheNode
}

type nestedSlot struct {
	gen  uint64
	node *CacheNode
}

// TableStats is a snapshot of table occupancy.
type TableStats struct {
	Nodes       int
	Paths       int
	BundleSlots int
	NestedSlots int
	FreeSlots   int
}

// NewInodeTable creates a table whose root node carries rootAttr.
func NewInodeTable(rootAttr NodeInfo, refreshAfter time.Duration) *InodeTable {
	t := &InodeTable{
		paths:        map[string]Handle{"": RootHandle},
		bundleSlot:   make(map[string]int),
		pinned:       make(map[string]bool),
		refreshAfter: refreshAfter,
	}
	t.root = newCacheNode(RootHandle, 0, LayerRoot, "", "", RootHandle, rootAttr)
	t.root.lookupRefs.Store(1)
	t.count = 1
	return t
}

// PinBundles marks names as configured bundles. A pinned name keeps its
// slot, and so its handle, for the life of the table; any other top-level
// name gives its slot back once the kernel forgets it.
func (t *InodeTable) PinBundles(names ...string) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	for _, name := range names {
		t.pinned[name] = true
	}
}

// OnCount registers a callback invoked with the node count after it changes.
func (t *InodeTable) OnCount(fn func(int)) {
	t.onCount = fn
}

// Root returns the pinned root node.
func (t *InodeTable) Root() *CacheNode {
	return t.root
}

// FindByID returns the node for h. Stale nested handles whose slot has been
// reused report not found.
func (t *InodeTable) FindByID(h Handle) (*CacheNode, bool) {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	n := t.nodeLocked(h)
	return n, n != nil
}

// FindByPath returns the handle currently bound to key.
func (t *InodeTable) FindByPath(key string) (Handle, bool) {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	h, ok := t.paths[key]
	return h, ok
}

// Key returns the path key of n. The second value is false once n has been
// unlinked.
func (t *InodeTable) Key(n *CacheNode) (string, bool) {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	if n.layer == LayerRoot {
		return "", true
	}
	return n.key, n.key != ""
}

// Parent returns the parent handle and name n was last linked under.
func (t *InodeTable) Parent(n *CacheNode) (Handle, string) {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	return n.parent, n.name
}

// InsertOrGet resolves name inside parent and takes one lookup reference on
// the result. Concurrent calls for the same key share a single fetch, and
// exactly one node is ever bound to a key.
func (t *InodeTable) InsertOrGet(parent Handle, name string, fetch FetchFunc) (*CacheNode, error) {
	p, ok := t.FindByID(parent)
	if !ok {
		return nil, fmt.Errorf("parent %d: %w", parent, common.ErrInvalidHandle)
	}
	parentKey, linked := t.Key(p)
	if !linked {
		return nil, fmt.Errorf("parent %d: %w", parent, common.ErrNotFound)
	}
	key, err := common.ChildKey(parentKey, name)
	if err != nil {
		return nil, err
	}

	if n := t.acquireFresh(key); n != nil {
		return n, nil
	}

	v, err, shared := t.fetches.Do(key, func() (any, error) {
		return fetch(key)
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || cloud.IsNotFound(err) {
			t.Unlink(key)
		}
		return nil, err
	}
	if shared && log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] InsertOrGet %q: shared fetch", key)
	}
	return t.upsert(p.handle, key, name, v.(NodeInfo))
}

// acquireFresh takes a reference on the node bound to key when its
// attributes are recent enough to skip a fetch.
func (t *InodeTable) acquireFresh(key string) *CacheNode {
	if t.refreshAfter <= 0 {
		return nil
	}
	t.pathMu.RLock()
	h, ok := t.paths[key]
	t.pathMu.RUnlock()
	if !ok {
		return nil
	}
	n, ok := t.FindByID(h)
	if !ok || !n.freshWithin(t.refreshAfter) {
		return nil
	}

	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	if t.paths[key] != h || t.nodeLocked(h) != n {
		return nil
	}
	n.lookupRefs.Add(1)
	return n
}

// upsert binds info to key and takes a lookup reference. An existing node
// has its attributes refreshed after the table locks are dropped, since
// refresh waits on the node's own lock.
func (t *InodeTable) upsert(parent Handle, key, name string, info NodeInfo) (*CacheNode, error) {
	t.pathMu.Lock()
	t.idMu.Lock()
	n, existing, err := t.upsertLocked(parent, key, name, info)
	t.idMu.Unlock()
	t.pathMu.Unlock()
	if existing {
		n.refresh(info)
	}
	return n, err
}

func (t *InodeTable) upsertLocked(parent Handle, key, name string, info NodeInfo) (*CacheNode, bool, error) {
	if h, ok := t.paths[key]; ok {
		if n := t.nodeLocked(h); n != nil {
			n.lookupRefs.Add(1)
			return n, true, nil
		}
		// Path entry without a node would break the invariant; repair it.
		log.Warnf("[VFS] path %q bound to missing handle %d", key, h)
		delete(t.paths, key)
	}

	var n *CacheNode
	if common.Depth(key) == 1 {
		slot, err := t.bundleSlotLocked(key)
		if err != nil {
			return nil, false, err
		}
		t.gen++
		n = newCacheNode(bundleBase+Handle(slot), t.gen, LayerBundleRoot, key, name, parent, info)
		t.bundles[slot].gen = t.gen
		t.bundles[slot].node = n
	} else {
		idx, err := t.nestedSlotLocked()
		if err != nil {
			return nil, false, err
		}
		t.gen++
		h := NestedBase + Handle(t.gen<<slotBits|uint64(idx))
		n = newCacheNode(h, t.gen, LayerNested, key, name, parent, info)
		t.slots[idx] = nestedSlot{gen: t.gen, node: n}
	}
	n.lookupRefs.Store(1)
	t.paths[key] = n.handle
	t.count++
	t.notifyCountLocked()

	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] insert %q -> %d (%s)", key, n.handle, n.layer)
	}
	return n, false, nil
}

// bundleSlotLocked returns the slot for a top-level name. A name whose slot
// is idle gets it back; otherwise a freed slot is reused before a new one is
// reserved. The generation bump on every insert tells a reused slot's new
// node apart from its previous occupant.
func (t *InodeTable) bundleSlotLocked(name string) (int, error) {
	if slot, ok := t.bundleSlot[name]; ok && t.bundles[slot].node == nil {
		return slot, nil
	}
	// Either unseen, or the old slot still holds an unlinked node the kernel
	// has not forgotten yet. That slot is freed when the node is erased.
	var slot int
	if n := len(t.bundleFree); n > 0 {
		slot = t.bundleFree[n-1]
		t.bundleFree = t.bundleFree[:n-1]
	} else {
		if len(t.bundles) >= MaxBundles {
			return 0, fmt.Errorf("bundle %q: %w", name, common.ErrNoBundleSlot)
		}
		t.bundles = append(t.bundles, bundleSlot{})
		slot = len(t.bundles) - 1
	}
	t.bundles[slot].name = name
	t.bundleSlot[name] = slot
	return slot, nil
}

// freeBundleSlotLocked returns slot to the pool unless it is the reserved
// slot of a configured bundle.
func (t *InodeTable) freeBundleSlotLocked(slot int) {
	name := t.bundles[slot].name
	owner, bound := t.bundleSlot[name]
	if bound && owner == slot && t.pinned[name] {
		return
	}
	if bound && owner == slot {
		delete(t.bundleSlot, name)
	}
	t.bundles[slot] = bundleSlot{gen: t.bundles[slot].gen}
	t.bundleFree = append(t.bundleFree, slot)
}

func (t *InodeTable) nestedSlotLocked() (uint32, error) {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx, nil
	}
	if len(t.slots) >= maxSlots {
		return 0, fmt.Errorf("nested handles: %w", common.ErrNoBundleSlot)
	}
	t.slots = append(t.slots, nestedSlot{})
	return uint32(len(t.slots) - 1), nil
}

func (t *InodeTable) nodeLocked(h Handle) *CacheNode {
	switch {
	case h == RootHandle:
		return t.root
	case h >= bundleBase && h < NestedBase:
		slot := int(h - bundleBase)
		if slot < len(t.bundles) {
			return t.bundles[slot].node
		}
	case h >= NestedBase:
		v := uint64(h - NestedBase)
		idx, gen := v&slotMask, v>>slotBits
		if idx < uint64(len(t.slots)) && t.slots[idx].gen == gen {
			return t.slots[idx].node
		}
	}
	return nil
}

// Release drops count lookup references from h. At zero the node is erased
// from both indexes. Unknown handles are ignored.
func (t *InodeTable) Release(h Handle, count uint64) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	t.releaseLocked(h, count)
	t.notifyCountLocked()
}

// ReleaseBatch applies a batch of releases under a single critical section.
func (t *InodeTable) ReleaseBatch(entries []ForgetEntry) {
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()
	for _, e := range entries {
		t.releaseLocked(e.Handle, e.Count)
	}
	t.notifyCountLocked()
}

func (t *InodeTable) releaseLocked(h Handle, count uint64) {
	n := t.nodeLocked(h)
	if n == nil {
		log.Debugf("[VFS] release of unknown handle %d (count=%d)", h, count)
		return
	}
	if n.layer == LayerRoot {
		return
	}
	refs := n.lookupRefs.Add(-int64(count))
	if refs > 0 {
		return
	}
	if refs < 0 {
		log.Warnf("[VFS] handle %d released below zero (%d)", h, refs)
	}
	t.eraseLocked(n)
}

func (t *InodeTable) eraseLocked(n *CacheNode) {
	if n.key != "" && t.paths[n.key] == n.handle {
		delete(t.paths, n.key)
	}
	switch n.layer {
	case LayerBundleRoot:
		slot := int(n.handle - bundleBase)
		t.bundles[slot].node = nil
		t.freeBundleSlotLocked(slot)
	case LayerNested:
		idx := uint32(uint64(n.handle-NestedBase) & slotMask)
		t.slots[idx].node = nil
		t.free = append(t.free, idx)
	}
	t.count--
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[VFS] erase %q (%d)", n.key, n.handle)
	}
}

// Unlink drops the path binding of key and everything below it. The nodes
// stay reachable by handle until the kernel forgets them.
func (t *InodeTable) Unlink(key string) {
	if key == "" {
		return
	}
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	for k, h := range t.paths {
		if !common.IsWithin(k, key) {
			continue
		}
		delete(t.paths, k)
		if n := t.nodeLocked(h); n != nil {
			n.key = ""
		}
	}
}

// Move rebinds oldKey, and everything below it, to newKey. A node already
// bound at the destination is unlinked first.
func (t *InodeTable) Move(oldKey, newKey string, newParent Handle) {
	if oldKey == "" || newKey == "" || oldKey == newKey {
		return
	}
	t.pathMu.Lock()
	defer t.pathMu.Unlock()
	t.idMu.Lock()
	defer t.idMu.Unlock()

	for k, h := range t.paths {
		if common.IsWithin(k, newKey) {
			delete(t.paths, k)
			if n := t.nodeLocked(h); n != nil {
				n.key = ""
			}
		}
	}

	moved := make(map[string]Handle)
	for k, h := range t.paths {
		if nk, ok := common.Rebase(k, oldKey, newKey); ok {
			delete(t.paths, k)
			moved[nk] = h
		}
	}
	for nk, h := range moved {
		t.paths[nk] = h
		n := t.nodeLocked(h)
		if n == nil {
			continue
		}
		n.key = nk
		if nk == newKey {
			n.name = common.BaseName(newKey)
			n.parent = newParent
		}
	}
	if common.Depth(oldKey) == 1 || common.Depth(newKey) == 1 {
		t.moveBundleNameLocked(oldKey, newKey)
	}
}

func (t *InodeTable) moveBundleNameLocked(oldKey, newKey string) {
	slot, ok := t.bundleSlot[oldKey]
	delete(t.bundleSlot, oldKey)
	if ok && t.bundles[slot].node == nil {
		t.freeBundleSlotLocked(slot)
	}
	if !ok || common.Depth(newKey) != 1 {
		return
	}
	if prev, taken := t.bundleSlot[newKey]; taken && prev != slot {
		delete(t.bundleSlot, newKey)
		if t.bundles[prev].node == nil {
			t.freeBundleSlotLocked(prev)
		}
	}
	t.bundleSlot[newKey] = slot
	t.bundles[slot].name = newKey
}

// Len returns the number of live nodes, root included.
func (t *InodeTable) Len() int {
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	return t.count
}

// Stats returns a snapshot of table occupancy.
func (t *InodeTable) Stats() TableStats {
	t.pathMu.RLock()
	defer t.pathMu.RUnlock()
	t.idMu.RLock()
	defer t.idMu.RUnlock()
	return TableStats{
		Nodes:       t.count,
		Paths:       len(t.paths),
		BundleSlots: len(t.bundles) - len(t.bundleFree),
		NestedSlots: len(t.slots),
		FreeSlots:   len(t.free),
	}
}

func (t *InodeTable) notifyCountLocked() {
	if t.onCount != nil {
		t.onCount(t.count)
	}
}

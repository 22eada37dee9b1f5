package vfs

import (
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
)

// dirEntry is one row of a directory listing.
type dirEntry struct {
	name string
	mode uint32
	ino  uint64 // known handle, or 0
}

// dirPage returns the part of a listing that starts at offset. Entry i of
// the full listing carries offset i+1, so a call resumed with the offset of
// the last delivered entry continues right after it.
func dirPage(entries []dirEntry, offset uint64) []dirEntry {
	if offset >= uint64(len(entries)) {
		return nil
	}
	return entries[offset:]
}

// listing builds the full listing of dir: ".", "..", then its children in
// name order.
func (fs *FS) listing(dir *CacheNode) ([]dirEntry, error) {
	key, err := fs.linkedKey(dir)
	if err != nil {
		return nil, err
	}

	var children []dirEntry
	switch fs.childBackend(dir) {
	case BackendLocal:
		children, err = fs.local.list(key)
	case BackendCloud:
		children, err = fs.cloud.list(key)
	default:
		return nil, ENOTSUP
	}
	if err != nil {
		return nil, err
	}

	parent, _ := fs.table.Parent(dir)
	entries := make([]dirEntry, 0, len(children)+2)
	entries = append(entries,
		dirEntry{name: ".", mode: syscall.S_IFDIR, ino: uint64(dir.Handle())},
		dirEntry{name: "..", mode: syscall.S_IFDIR, ino: uint64(parent)},
	)
	for _, e := range children {
		childKey := e.name
		if key != "" {
			childKey = key + "/" + e.name
		}
		if h, ok := fs.table.FindByPath(childKey); ok {
			e.ino = uint64(h)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// fillDir appends entries from offset until out is full. With plus set each
// delivered child is also looked up, which the kernel counts as one
// reference per entry.
func (fs *FS) fillDir(dir *CacheNode, entries []dirEntry, offset uint64, out *fuse.DirEntryList, plus bool) {
	fetch := fs.fetcher(fs.childBackend(dir))
	for i, e := range dirPage(entries, offset) {
		de := fuse.DirEntry{
			Name: e.name,
			Mode: e.mode,
			Ino:  e.ino,
			Off:  offset + uint64(i) + 1,
		}
		if !plus {
			if !out.AddDirEntry(de) {
				return
			}
			continue
		}

		eo := out.AddDirLookupEntry(de)
		if eo == nil {
			return
		}
		if e.name == "." || e.name == ".." || fetch == nil {
			continue
		}
		child, err := fs.table.InsertOrGet(dir.Handle(), e.name, fetch)
		if err != nil {
			// NodeId 0 tells the kernel to skip the entry's lookup.
			log.Debugf("[VFS] ReadDirPlus: %q in %d: %v", e.name, dir.Handle(), err)
			continue
		}
		fs.fillEntry(child, eo)
	}
}

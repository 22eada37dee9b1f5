// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"errors"
	"io"
	"runtime/debug"

	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cloudfs/internal/common"
)

const (
	seekData = unix.SEEK_DATA
	seekHole = unix.SEEK_HOLE
)

// =============================================================================
// Panic Recovery
// =============================================================================

// recoverPanic turns a panic inside a kernel callback into EIO so a single
// bad request cannot take the mount down.
func recoverPanic(operation string, status *fuse.Status) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if status != nil {
			*status = fuse.EIO
		}
	}
}

// =============================================================================
// Node Helpers
// =============================================================================

// node resolves a kernel node id. Unknown and stale ids are ESTALE.
func (fs *FS) node(id uint64) (*CacheNode, error) {
	n, ok := fs.table.FindByID(Handle(id))
	if !ok {
		return nil, common.ErrStaleHandle
	}
	return n, nil
}

// linkedKey returns the path key of n, failing for nodes that have been
// unlinked since they were looked up.
func (fs *FS) linkedKey(n *CacheNode) (string, error) {
	key, ok := fs.table.Key(n)
	if !ok {
		return "", common.ErrNotFound
	}
	return key, nil
}

// childKey resolves the key of name inside parent.
func (fs *FS) childKey(parent *CacheNode, name string) (string, error) {
	pkey, err := fs.linkedKey(parent)
	if err != nil {
		return "", err
	}
	return common.ChildKey(pkey, name)
}

// fillEntry writes the kernel entry for n.
func (fs *FS) fillEntry(n *CacheNode, out *fuse.EntryOut) {
	out.NodeId = uint64(n.Handle())
	out.Generation = n.Generation()
	out.Attr = n.Attr()
	out.SetEntryTimeout(fs.opts.EntryTimeout)
	out.SetAttrTimeout(fs.opts.AttrTimeout)
}

func (fs *FS) fillAttr(n *CacheNode, out *fuse.AttrOut) {
	out.Attr = n.Attr()
	out.SetTimeout(fs.opts.AttrTimeout)
}

// =============================================================================
// Misc
// =============================================================================

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

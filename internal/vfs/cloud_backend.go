package vfs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"cloudfs/internal/cache"
	"cloudfs/internal/cloud"
	"cloudfs/internal/common"
	"cloudfs/internal/config"
	"cloudfs/internal/metrics"
	"cloudfs/internal/storage"
)

// cloudBackend serves nodes inside bundles bound to a cloud container. It
// is read-only: content arrives through asset read sessions, or from a
// local copy once the record has been materialized.
type cloudBackend struct {
	db        cloud.Database
	root      *storage.Root
	local     billy.Filesystem
	bundles   map[string]config.Bundle
	records   *cache.RecordCache
	bridge    *readBridge
	readAhead config.ReadAhead
	timeout   time.Duration
	metrics   *metrics.Metrics
	uid, gid  uint32
}

func newCloudBackend(opts Options, m *metrics.Metrics) *cloudBackend {
	bundles := make(map[string]config.Bundle, len(opts.Bundles))
	for name, b := range opts.Bundles {
		if b.Container != "" {
			bundles[name] = b
		}
	}
	return &cloudBackend{
		db:        opts.DB,
		root:      opts.Root,
		local:     osfs.New(opts.Root.Dir(), osfs.WithBoundOS()),
		bundles:   bundles,
		records:   opts.RecordCache,
		bridge:    newReadBridge(opts.ReadWorkers, opts.ReadTimeout, m),
		readAhead: opts.ReadAhead,
		timeout:   opts.ReadTimeout,
		metrics:   m,
		uid:       opts.UID,
		gid:       opts.GID,
	}
}

func (b *cloudBackend) bundle(name string) (config.Bundle, bool) {
	bnd, ok := b.bundles[name]
	return bnd, ok
}

// locate splits key into its bundle binding and the record path inside it.
func (b *cloudBackend) locate(key string) (config.Bundle, string, error) {
	name, rest := common.BundleOf(key)
	bnd, ok := b.bundles[name]
	if !ok {
		return config.Bundle{}, "", common.ErrNotSupported
	}
	return bnd, rest, nil
}

func (b *cloudBackend) stat(key string) (config.Bundle, *cloud.Record, error) {
	bnd, rest, err := b.locate(key)
	if err != nil {
		return bnd, nil, err
	}
	if b.records != nil {
		if rec, ok := b.records.Get(bnd.Container, rest); ok {
			return bnd, &rec, nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	rec, err := b.db.Stat(ctx, bnd.Container, rest)
	if err != nil {
		return bnd, nil, err
	}
	if b.records != nil {
		b.records.Set(bnd.Container, rest, *rec)
	}
	return bnd, rec, nil
}

// fetch resolves key for the inode table.
func (b *cloudBackend) fetch(key string) (NodeInfo, error) {
	bnd, rec, err := b.stat(key)
	if err != nil {
		return NodeInfo{}, err
	}
	return b.nodeInfo(bnd, rec), nil
}

func (b *cloudBackend) nodeInfo(bnd config.Bundle, rec *cloud.Record) NodeInfo {
	info := NodeInfo{Attr: recordAttr(rec, b.uid, b.gid)}
	info.Cloud = &CloudIdentity{
		Container:     bnd.Container,
		ContainerType: bnd.ContainerType,
		RecordID:      rec.RecordID,
		AssetKey:      rec.AssetKey,
		Streamed:      rec.Streamed,
		MTime:         rec.MTime,
	}
	return info
}

// list returns the records below the directory at key, sorted by name. The
// listing also primes the record cache for the lookups that follow.
func (b *cloudBackend) list(key string) ([]dirEntry, error) {
	bnd, rest, err := b.locate(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	recs, err := b.db.List(ctx, bnd.Container, rest)
	if err != nil {
		return nil, err
	}
	if b.records != nil {
		b.records.SetListing(bnd.Container, recs)
	}
	entries := make([]dirEntry, 0, len(recs))
	for i := range recs {
		entries = append(entries, dirEntry{name: recs[i].Name, mode: recordAttr(&recs[i], b.uid, b.gid).Mode})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// invalidate drops the cached record for key so the next lookup asks the
// database again.
func (b *cloudBackend) invalidate(key string) {
	if b.records == nil {
		return
	}
	bnd, rest, err := b.locate(key)
	if err != nil {
		return
	}
	b.records.InvalidatePath(bnd.Container, rest)
}

// invalidateTree drops key and every cached record below it.
func (b *cloudBackend) invalidateTree(key string) {
	if b.records == nil {
		return
	}
	bnd, rest, err := b.locate(key)
	if err != nil {
		return
	}
	b.records.InvalidatePrefix(bnd.Container, rest)
}

// open attaches a handle to n. Materialized records are served from their
// canonical local copy; everything else shares one read session per node.
// The session is initialized without n.mu held, so a slow remote init only
// stalls other openers of the same node.
func (b *cloudBackend) open(n *CacheNode, key string, flags uint32) (*openFile, error) {
	if flags&syscall.O_ACCMODE != syscall.O_RDONLY || flags&syscall.O_TRUNC != 0 {
		return nil, EROFS
	}

	of := &openFile{node: n, key: key, backend: BackendCloud, flags: flags}

	n.mu.Lock()
	for n.opening != nil {
		wait := n.opening
		n.mu.Unlock()
		<-wait
		n.mu.Lock()
	}
	id := n.cloud
	if id == nil {
		n.mu.Unlock()
		return nil, common.ErrNotSupported
	}

	if n.sessionRefs > 0 {
		n.sessionRefs++
		n.mu.Unlock()
		of.session = true
		return of, nil
	}

	// Closed: the only state a record may be materialized from.
	if n.materialized || (!id.Streamed && b.tryMaterializeLocked(n, key, id)) {
		f, err := b.openCanonical(key)
		if err == nil {
			n.mu.Unlock()
			of.file = f
			return of, nil
		}
		log.Warnf("[Cloud] local copy of %q unusable, falling back to session: %v", key, err)
		n.materialized = false
	}

	done := make(chan struct{})
	n.opening = done
	n.mu.Unlock()

	s, err := b.startSession(id)

	n.mu.Lock()
	n.opening = nil
	close(done)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}
	n.session = s
	n.sessionRefs = 1
	n.ra = readAhead{}
	n.mu.Unlock()

	of.session = true
	b.metrics.SessionsOpened.Inc()
	b.metrics.SessionsActive.Inc()
	log.Debugf("[Cloud] session opened for %q (record=%s streamed=%v)", key, id.RecordID, id.Streamed)
	return of, nil
}

// startSession creates and initializes a read session for id. Records that
// can be materialized are staged while the session initializes.
func (b *cloudBackend) startSession(id *CloudIdentity) (cloud.ReadSession, error) {
	staging := ""
	if !id.Streamed {
		staging = b.root.StagingPath(id.ContainerType, id.RecordID)
	}
	s := b.db.NewReadSession(id.ContainerType, id.RecordID, id.AssetKey, staging)
	if s == nil {
		return nil, cloud.Errorf(cloud.KindServer, "open", "no session for record %s", id.RecordID)
	}
	if err := s.InitSession(); err != nil {
		s.Close(false)
		return nil, err
	}
	return s, nil
}

// tryMaterializeLocked promotes the record's staging file to its canonical
// local path. An existing canonical copy matching the record counts as
// already materialized. Caller holds n.mu.
func (b *cloudBackend) tryMaterializeLocked(n *CacheNode, key string, id *CloudIdentity) bool {
	canonical := b.root.CanonicalPath(key)
	size := int64(n.attr.Size)

	if fi, err := os.Stat(canonical); err == nil && fi.Mode().IsRegular() && fi.Size() == size && fi.ModTime().Equal(id.MTime) {
		n.materialized = true
		return true
	}

	staging := b.root.StagingPath(id.ContainerType, id.RecordID)
	fi, err := os.Stat(staging)
	if err != nil || fi.Size() != size {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(canonical), storage.DefaultDirPerm); err != nil {
		log.Warnf("[Cloud] materialize %q: %v", key, err)
		return false
	}
	if err := os.Rename(staging, canonical); err != nil {
		log.Warnf("[Cloud] materialize %q: %v", key, err)
		return false
	}
	if err := os.Chtimes(canonical, id.MTime, id.MTime); err != nil {
		log.Warnf("[Cloud] materialize %q: set mtime: %v", key, err)
	}
	n.materialized = true
	b.metrics.Materialized.Inc()
	log.Infof("[Cloud] materialized %q", key)
	return true
}

func (b *cloudBackend) openCanonical(key string) (billy.File, error) {
	return b.local.OpenFile(filepath.FromSlash(key), os.O_RDONLY, 0)
}

// release drops the handle's share of the node's session. The last holder
// closes it, keeping the staging file for records that can be materialized.
func (b *cloudBackend) release(of *openFile) {
	of.mu.Lock()
	if of.file != nil {
		of.file.Close()
		of.file = nil
	}
	of.released = true
	of.mu.Unlock()
	if !of.session {
		return
	}
	n := of.node

	n.mu.Lock()
	n.sessionRefs--
	if n.sessionRefs > 0 {
		n.mu.Unlock()
		return
	}
	s := n.session
	n.session = nil
	n.sessionRefs = 0
	n.ra = readAhead{}
	keep := n.cloud != nil && !n.cloud.Streamed
	n.mu.Unlock()

	if s != nil {
		s.Close(keep)
		b.metrics.SessionsActive.Dec()
	}
}

// read serves a read on a cloud handle: from the local copy when there is
// one, else from the read-ahead window, else remotely through the bridge.
func (b *cloudBackend) read(cancel <-chan struct{}, of *openFile, off int64, dest []byte) (int, error) {
	if f := b.localFile(of); f != nil {
		b.metrics.Reads.WithLabelValues(BackendCloud.String(), metrics.PathLocal).Inc()
		n, err := f.ReadAt(dest, off)
		return n, ignoreEOF(err)
	}

	nd := of.node
	nd.mu.Lock()
	s := nd.session
	if s == nil {
		nd.mu.Unlock()
		return 0, cloud.Errorf(cloud.KindPrecondition, "read", "no session")
	}
	if n, ok := nd.ra.serve(off, dest); ok {
		nd.mu.Unlock()
		b.metrics.Reads.WithLabelValues(BackendCloud.String(), metrics.PathReadAhead).Inc()
		return n, nil
	}
	fill := nd.ra.triggers(off, len(dest), b.readAhead.ProbeSize, b.readAhead.Window)
	nd.mu.Unlock()

	size := len(dest)
	if fill {
		size = b.readAhead.Window
	}
	data, err := b.bridge.read(cancel, s, off, size)
	if err != nil {
		if err == ErrBridgeTimeout {
			log.Warnf("[Cloud] read of %d bytes at %d on %d timed out", size, off, nd.handle)
		} else {
			log.Debugf("[Cloud] read of %d bytes at %d on %d failed: %v", size, off, nd.handle, err)
		}
		return 0, err
	}

	path := metrics.PathRemote
	if fill {
		path = metrics.PathReadAhead
		nd.mu.Lock()
		if nd.session == s {
			nd.ra.store(off, data, size)
		}
		nd.mu.Unlock()
	}
	b.metrics.Reads.WithLabelValues(BackendCloud.String(), path).Inc()
	return copy(dest, data), nil
}

// localFile returns the handle's local copy, opening the canonical file on
// first use when the node was materialized after the handle was opened.
func (b *cloudBackend) localFile(of *openFile) billy.File {
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.file != nil || of.released || of.key == "" || !of.node.Materialized() {
		return of.file
	}
	f, err := b.openCanonical(of.key)
	if err != nil {
		// The copy went away; keep using the session.
		log.Debugf("[Cloud] canonical copy of %q: %v", of.key, err)
		return nil
	}
	of.file = f
	return f
}

// lseek answers SEEK_DATA and SEEK_HOLE for remote content, which has no
// holes.
func (b *cloudBackend) lseek(n *CacheNode, off int64, whence uint32) (int64, error) {
	size := int64(n.Attr().Size)
	if off < 0 || off >= size {
		return 0, syscall.ENXIO
	}
	switch whence {
	case seekData:
		return off, nil
	case seekHole:
		return size, nil
	default:
		return 0, EINVAL
	}
}

// recordAttr builds kernel attributes for a remote record.
func recordAttr(rec *cloud.Record, uid, gid uint32) fuse.Attr {
	perm := uint32(rec.Mode.Perm())
	a := fuse.Attr{
		Size:    uint64(rec.Size),
		Blocks:  uint64(rec.Size+511) / 512,
		Nlink:   1,
		Owner:   fuse.Owner{Uid: uid, Gid: gid},
		Blksize: 4096,
	}
	if rec.IsDir {
		if perm == 0 {
			perm = 0755
		}
		a.Mode = syscall.S_IFDIR | perm
		a.Nlink = 2
		a.Size = 4096
		a.Blocks = 8
	} else {
		if perm == 0 {
			perm = 0644
		}
		a.Mode = syscall.S_IFREG | perm
	}
	mt := rec.MTime
	a.SetTimes(&mt, &mt, &mt)
	return a
}

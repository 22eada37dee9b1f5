package vfs

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"cloudfs/internal/cache"
	"cloudfs/internal/cloud"
	"cloudfs/internal/common"
	"cloudfs/internal/config"
	"cloudfs/internal/metrics"
	"cloudfs/internal/storage"
)

const (
	defaultReadTimeout = 10 * time.Second
	defaultReadWorkers = 16
)

// EntryNotifier asks the kernel to drop a cached directory entry.
// *fuse.Server implements it.
type EntryNotifier interface {
	EntryNotify(parent uint64, name string) fuse.Status
}

// Options configures a filesystem instance.
type Options struct {
	Root *storage.Root
	// DB serves the bundles bound to a cloud container. Without it every
	// bundle is local.
	DB       cloud.Database
	UID, GID uint32

	Bundles map[string]config.Bundle
	Hide    []string

	ReadTimeout  time.Duration
	ReadWorkers  int
	ReadAhead    config.ReadAhead
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	RecordCache *cache.RecordCache
	Metrics     *metrics.Metrics
	// Notifier overrides the server set by Init.
	Notifier EntryNotifier
}

// FS is the filesystem context of one mount. It implements
// fuse.RawFileSystem; opcodes it does not handle fall through to the
// embedded default, which replies ENOSYS.
type FS struct {
	fuse.RawFileSystem

	opts     Options
	table    *InodeTable
	handles  *HandleManager
	local    *localBackend
	cloud    *cloudBackend
	metrics  *metrics.Metrics
	notifier EntryNotifier
}

// New creates the filesystem for opts.Root and makes sure every configured
// bundle has its top-level directory.
func New(opts Options) (*FS, error) {
	if opts.Root == nil {
		return nil, errors.New("vfs: storage root is required")
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.ReadWorkers <= 0 {
		opts.ReadWorkers = defaultReadWorkers
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	fs := &FS{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		opts:          opts,
		handles:       NewHandleManager(),
		local:         newLocalBackend(opts.Root, opts.Hide),
		metrics:       opts.Metrics,
		notifier:      opts.Notifier,
	}
	if opts.DB != nil {
		fs.cloud = newCloudBackend(opts, opts.Metrics)
		if rc := opts.RecordCache; rc != nil {
			if err := fs.metrics.WatchRecordCache(rc.Size); err != nil {
				log.Debugf("[VFS] record cache gauge not registered: %v", err)
			}
		}
	}

	for name, b := range opts.Bundles {
		if _, err := common.ChildKey("", name); err != nil {
			return nil, fmt.Errorf("bundle %q: %w", name, err)
		}
		if b.Container != "" && opts.DB == nil {
			log.Warnf("[VFS] bundle %q is bound to container %q but no database is configured; serving it locally", name, b.Container)
		}
		if err := fs.local.ensureDir(name); err != nil {
			return nil, fmt.Errorf("bundle %q: %w", name, err)
		}
	}

	rootInfo, err := fs.local.fetch("")
	if err != nil {
		return nil, fmt.Errorf("stat storage root: %w", err)
	}
	fs.table = NewInodeTable(rootInfo, opts.AttrTimeout)
	for name := range opts.Bundles {
		fs.table.PinBundles(name)
	}
	fs.table.OnCount(func(n int) { fs.metrics.Inodes.Set(float64(n)) })
	fs.metrics.Inodes.Set(1)
	return fs, nil
}

// Table returns the inode table.
func (fs *FS) Table() *InodeTable { return fs.table }

// Metrics returns the collectors updated by this filesystem.
func (fs *FS) Metrics() *metrics.Metrics { return fs.metrics }

func (fs *FS) String() string { return "cloudfs" }

// Init records the server so failed opens can invalidate kernel entries.
func (fs *FS) Init(server *fuse.Server) {
	if fs.notifier == nil {
		fs.notifier = server
	}
}

// OnUnmount closes every handle the kernel did not release.
func (fs *FS) OnUnmount() {
	open := fs.handles.Drain()
	for _, of := range open {
		fs.closeHandle(of)
	}
	if len(open) > 0 {
		log.Infof("[VFS] closed %d handles left open at unmount", len(open))
	}
}

// =============================================================================
// Lookup & Forget
// =============================================================================

func (fs *FS) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) (status fuse.Status) {
	defer recoverPanic("Lookup", &status)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Lookup %d/%q → %v (%v)", header.NodeId, name, status, time.Since(start)) }()
	}

	parent, err := fs.node(header.NodeId)
	if err != nil {
		return toStatus(err)
	}
	if !parent.IsDir() {
		return fuse.ENOTDIR
	}
	fetch := fs.fetcher(fs.childBackend(parent))
	if fetch == nil {
		return fuse.Status(ENOTSUP)
	}
	n, err := fs.table.InsertOrGet(parent.Handle(), name, fetch)
	if err != nil {
		if cloud.IsNotFound(err) && fs.childBackend(parent) == BackendCloud {
			if key, kerr := fs.childKey(parent, name); kerr == nil {
				fs.cloud.invalidateTree(key)
			}
		}
		return toStatus(err)
	}
	fs.fillEntry(n, out)
	return fuse.OK
}

func (fs *FS) Forget(nodeID, nlookup uint64) {
	fs.table.Release(Handle(nodeID), nlookup)
}

// ForgetMulti releases a batch of lookups at once.
func (fs *FS) ForgetMulti(entries []ForgetEntry) {
	fs.table.ReleaseBatch(entries)
}

// =============================================================================
// Attributes
// =============================================================================

func (fs *FS) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) (status fuse.Status) {
	defer recoverPanic("GetAttr", &status)

	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	if err := fs.refreshAttr(n, in.Fh()); err != nil {
		return toStatus(err)
	}
	fs.fillAttr(n, out)
	return fuse.OK
}

// refreshAttr re-reads the attributes of n from its backend.
func (fs *FS) refreshAttr(n *CacheNode, fh uint64) error {
	switch fs.backendFor(n) {
	case BackendLocal:
		key, linked := fs.table.Key(n)
		if !linked {
			// Unlinked but possibly still open: stat through the handle.
			if of, ok := fs.handles.Get(FileHandle(fh)); ok && of.node == n && of.file != nil {
				if st, ok := of.file.(interface{ Stat() (os.FileInfo, error) }); ok {
					if fi, err := st.Stat(); err == nil {
						n.setAttr(infoAttr(fi))
					}
				}
			}
			return nil
		}
		info, err := fs.local.fetch(key)
		if err != nil {
			return err
		}
		n.setAttr(info.Attr)
		return nil
	case BackendCloud:
		if n.freshWithin(fs.opts.AttrTimeout) {
			return nil
		}
		key, linked := fs.table.Key(n)
		if !linked {
			return nil
		}
		info, err := fs.cloud.fetch(key)
		if err != nil {
			return err
		}
		n.refresh(info)
		return nil
	default:
		return ENOTSUP
	}
}

func (fs *FS) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) (status fuse.Status) {
	defer recoverPanic("SetAttr", &status)

	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return toStatus(err)
		}
		var f billy.File
		if fh, ok := in.GetFh(); ok {
			if of, ok := fs.handles.Get(FileHandle(fh)); ok {
				f = of.file
			}
		}
		if err := fs.local.setAttr(key, f, in); err != nil {
			return toStatus(err)
		}
		if err := fs.refreshAttr(n, 0); err != nil {
			return toStatus(err)
		}
		fs.fillAttr(n, out)
		return fuse.OK
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

// =============================================================================
// Namespace
// =============================================================================

// resolveChild resolves (parent id, name) for an operation that creates,
// removes or renames an entry.
func (fs *FS) resolveChild(parentID uint64, name string) (*CacheNode, string, BackendKind, error) {
	parent, err := fs.node(parentID)
	if err != nil {
		return nil, "", backendNone, err
	}
	if !parent.IsDir() {
		return nil, "", backendNone, ENOTDIR
	}
	key, err := fs.childKey(parent, name)
	if err != nil {
		return nil, "", backendNone, err
	}
	if parent.Layer() == LayerRoot && fs.isCloudBundle(name) {
		// The bundle directories of cloud containers are fixed.
		return nil, "", backendNone, ENOTSUP
	}
	return parent, key, fs.childBackend(parent), nil
}

// enter looks up a freshly created local entry and fills its kernel entry.
func (fs *FS) enter(parent *CacheNode, name string, out *fuse.EntryOut) fuse.Status {
	n, err := fs.table.InsertOrGet(parent.Handle(), name, fs.local.fetch)
	if err != nil {
		return toStatus(err)
	}
	fs.fillEntry(n, out)
	return fuse.OK
}

// creatable rejects names the mount would hide right after creating them.
func (fs *FS) creatable(key string, isDir bool) error {
	if fs.local.hide.hidden(key, isDir) {
		return EPERM
	}
	return nil
}

func (fs *FS) Mknod(cancel <-chan struct{}, in *fuse.MknodIn, name string, out *fuse.EntryOut) (status fuse.Status) {
	defer recoverPanic("Mknod", &status)

	parent, key, kind, err := fs.resolveChild(in.NodeId, name)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.creatable(key, false); err != nil {
			return toStatus(err)
		}
		if err := fs.local.mknod(key, in.Mode, in.Rdev); err != nil {
			return toStatus(err)
		}
		return fs.enter(parent, name, out)
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Mkdir(cancel <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) (status fuse.Status) {
	defer recoverPanic("Mkdir", &status)
	log.Debugf("[VFS] Mkdir: parent=%d name=%q mode=%o", in.NodeId, name, in.Mode)

	parent, key, kind, err := fs.resolveChild(in.NodeId, name)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.creatable(key, true); err != nil {
			return toStatus(err)
		}
		if err := fs.local.mkdir(key, in.Mode); err != nil {
			return toStatus(err)
		}
		return fs.enter(parent, name, out)
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) (status fuse.Status) {
	defer recoverPanic("Create", &status)
	log.Debugf("[VFS] Create: parent=%d name=%q flags=%#x mode=%o", in.NodeId, name, in.Flags, in.Mode)

	parent, key, kind, err := fs.resolveChild(in.NodeId, name)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.creatable(key, false); err != nil {
			return toStatus(err)
		}
		f, err := fs.local.create(key, in.Flags, in.Mode)
		if err != nil {
			return toStatus(err)
		}
		n, err := fs.table.InsertOrGet(parent.Handle(), name, fs.local.fetch)
		if err != nil {
			f.Close()
			return toStatus(err)
		}
		fh := fs.handles.Allocate(&openFile{node: n, key: key, backend: BackendLocal, file: f, flags: in.Flags})
		fs.fillEntry(n, &out.EntryOut)
		out.OpenOut.Fh = uint64(fh)
		return fuse.OK
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) (status fuse.Status) {
	defer recoverPanic("Symlink", &status)

	parent, key, kind, err := fs.resolveChild(header.NodeId, linkName)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.creatable(key, false); err != nil {
			return toStatus(err)
		}
		if err := fs.local.symlink(pointedTo, key); err != nil {
			return toStatus(err)
		}
		return fs.enter(parent, linkName, out)
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Readlink(cancel <-chan struct{}, header *fuse.InHeader) (out []byte, status fuse.Status) {
	defer recoverPanic("Readlink", &status)

	n, err := fs.node(header.NodeId)
	if err != nil {
		return nil, toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return nil, toStatus(err)
		}
		target, err := fs.local.readlink(key)
		if err != nil {
			return nil, toStatus(err)
		}
		return []byte(target), fuse.OK
	case BackendCloud:
		return nil, fuse.EINVAL
	default:
		return nil, fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) (status fuse.Status) {
	defer recoverPanic("Unlink", &status)
	log.Debugf("[VFS] Unlink: parent=%d name=%q", header.NodeId, name)

	_, key, kind, err := fs.resolveChild(header.NodeId, name)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.local.unlink(key); err != nil {
			return toStatus(err)
		}
		fs.table.Unlink(key)
		return fuse.OK
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) (status fuse.Status) {
	defer recoverPanic("Rmdir", &status)
	log.Debugf("[VFS] Rmdir: parent=%d name=%q", header.NodeId, name)

	_, key, kind, err := fs.resolveChild(header.NodeId, name)
	if err != nil {
		return toStatus(err)
	}
	switch kind {
	case BackendLocal:
		if err := fs.local.rmdir(key); err != nil {
			return toStatus(err)
		}
		fs.table.Unlink(key)
		return fuse.OK
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Rename(cancel <-chan struct{}, in *fuse.RenameIn, oldName string, newName string) (status fuse.Status) {
	defer recoverPanic("Rename", &status)
	log.Debugf("[VFS] Rename: %d/%q -> %d/%q flags=%#x", in.NodeId, oldName, in.Newdir, newName, in.Flags)

	_, oldKey, oldKind, err := fs.resolveChild(in.NodeId, oldName)
	if err != nil {
		return toStatus(err)
	}
	newParent, newKey, newKind, err := fs.resolveChild(in.Newdir, newName)
	if err != nil {
		return toStatus(err)
	}
	if oldKind == BackendCloud || newKind == BackendCloud {
		return fuse.Status(ENOTSUP)
	}

	switch oldKind {
	case BackendLocal:
		if err := fs.creatable(newKey, false); err != nil {
			return toStatus(err)
		}
		if err := fs.local.rename(oldKey, newKey, in.Flags); err != nil {
			return toStatus(err)
		}
		if in.Flags&unix.RENAME_EXCHANGE != 0 {
			// Both sides changed identity; let the kernel look them up again.
			fs.table.Unlink(oldKey)
			fs.table.Unlink(newKey)
		} else {
			fs.table.Move(oldKey, newKey, newParent.Handle())
		}
		return fuse.OK
	default:
		return fuse.Status(ENOTSUP)
	}
}

// =============================================================================
// Files
// =============================================================================

func (fs *FS) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer recoverPanic("Open", &status)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Open %d flags=%#x → %v (%v)", in.NodeId, in.Flags, status, time.Since(start))
		}()
	}

	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	if n.IsDir() {
		return fuse.Status(EISDIR)
	}
	key, err := fs.linkedKey(n)
	if err != nil {
		return toStatus(err)
	}

	switch fs.backendFor(n) {
	case BackendLocal:
		f, err := fs.local.open(key, in.Flags)
		if err != nil {
			return toStatus(err)
		}
		fh := fs.handles.Allocate(&openFile{node: n, key: key, backend: BackendLocal, file: f, flags: in.Flags})
		out.Fh = uint64(fh)
		return fuse.OK
	case BackendCloud:
		of, err := fs.cloud.open(n, key, in.Flags)
		if err != nil {
			fs.openFailed(n, key, err)
			return toStatus(err)
		}
		out.Fh = uint64(fs.handles.Allocate(of))
		out.OpenFlags |= fuse.FOPEN_KEEP_CACHE
		return fuse.OK
	default:
		return fuse.Status(ENOTSUP)
	}
}

// openFailed handles a cloud open whose session could not be established:
// the cached record is dropped and the kernel is asked, asynchronously, to
// forget the entry so the next access looks it up again.
func (fs *FS) openFailed(n *CacheNode, key string, err error) {
	if errors.Is(err, EROFS) || errors.Is(err, common.ErrNotSupported) {
		return
	}
	fs.metrics.OpenFailures.Inc()
	log.Warnf("[Cloud] open %q failed: %v", key, err)
	fs.cloud.invalidate(key)

	parent, name := fs.table.Parent(n)
	if fs.notifier == nil || name == "" {
		return
	}
	notifier := fs.notifier
	go func() {
		if st := notifier.EntryNotify(uint64(parent), name); !st.Ok() && st != fuse.ENOENT {
			log.Debugf("[Cloud] entry notify %d/%q: %v", parent, name, st)
		}
	}()
}

func (fs *FS) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (res fuse.ReadResult, status fuse.Status) {
	defer recoverPanic("Read", &status)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() {
			log.Tracef("[VFS] Read fh=%d off=%d size=%d → %v (%v)", in.Fh, in.Offset, in.Size, status, time.Since(start))
		}()
	}

	of, ok := fs.handles.Get(FileHandle(in.Fh))
	if !ok {
		return nil, fuse.EBADF
	}
	if of.dir {
		return nil, fuse.Status(EISDIR)
	}
	dest := buf
	if int(in.Size) < len(dest) {
		dest = dest[:in.Size]
	}

	var n int
	var err error
	switch of.backend {
	case BackendLocal:
		n, err = fs.local.read(of.file, int64(in.Offset), dest)
		fs.metrics.Reads.WithLabelValues(BackendLocal.String(), metrics.PathLocal).Inc()
	case BackendCloud:
		n, err = fs.cloud.read(cancel, of, int64(in.Offset), dest)
	default:
		return nil, fuse.Status(ENOTSUP)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (fs *FS) Write(cancel <-chan struct{}, in *fuse.WriteIn, data []byte) (written uint32, status fuse.Status) {
	defer recoverPanic("Write", &status)

	of, ok := fs.handles.Get(FileHandle(in.Fh))
	if !ok {
		return 0, fuse.EBADF
	}
	switch of.backend {
	case BackendLocal:
		n, err := fs.local.write(of, int64(in.Offset), data)
		if err != nil {
			return uint32(n), toStatus(err)
		}
		return uint32(n), fuse.OK
	case BackendCloud:
		return 0, fuse.Status(ENOTSUP)
	default:
		return 0, fuse.Status(ENOTSUP)
	}
}

func (fs *FS) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) (status fuse.Status) {
	defer recoverPanic("Lseek", &status)

	of, ok := fs.handles.Get(FileHandle(in.Fh))
	if !ok {
		return fuse.EBADF
	}
	var off int64
	var err error
	switch of.backend {
	case BackendLocal:
		off, err = fs.local.lseek(of.file, int64(in.Offset), in.Whence)
	case BackendCloud:
		off, err = fs.cloud.lseek(of.node, int64(in.Offset), in.Whence)
	default:
		return fuse.Status(ENOTSUP)
	}
	if err != nil {
		return toStatus(err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

func (fs *FS) Flush(cancel <-chan struct{}, in *fuse.FlushIn) fuse.Status {
	if _, ok := fs.handles.Get(FileHandle(in.Fh)); !ok {
		return fuse.EBADF
	}
	return fuse.OK
}

func (fs *FS) Fsync(cancel <-chan struct{}, in *fuse.FsyncIn) (status fuse.Status) {
	defer recoverPanic("Fsync", &status)

	of, ok := fs.handles.Get(FileHandle(in.Fh))
	if !ok {
		return fuse.EBADF
	}
	if of.backend == BackendLocal && of.file != nil {
		return toStatus(fs.local.fsync(of.file))
	}
	return fuse.OK
}

func (fs *FS) Release(cancel <-chan struct{}, in *fuse.ReleaseIn) {
	defer recoverPanic("Release", nil)

	of, ok := fs.handles.Release(FileHandle(in.Fh))
	if !ok {
		log.Debugf("[VFS] Release of unknown handle %d", in.Fh)
		return
	}
	fs.closeHandle(of)
}

func (fs *FS) closeHandle(of *openFile) {
	switch of.backend {
	case BackendLocal:
		if of.file != nil {
			if err := of.file.Close(); err != nil {
				log.Debugf("[VFS] close %q: %v", of.key, err)
			}
		}
	case BackendCloud:
		if !of.dir {
			fs.cloud.release(of)
		}
	}
}

// =============================================================================
// Directories
// =============================================================================

func (fs *FS) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) (status fuse.Status) {
	defer recoverPanic("OpenDir", &status)

	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	if !n.IsDir() {
		return fuse.ENOTDIR
	}
	out.Fh = uint64(fs.handles.Allocate(&openFile{node: n, backend: fs.childBackend(n), dir: true, flags: in.Flags}))
	return fuse.OK
}

func (fs *FS) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) (status fuse.Status) {
	defer recoverPanic("ReadDir", &status)
	return fs.readDir(in, out, false)
}

func (fs *FS) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) (status fuse.Status) {
	defer recoverPanic("ReadDirPlus", &status)
	return fs.readDir(in, out, true)
}

func (fs *FS) readDir(in *fuse.ReadIn, out *fuse.DirEntryList, plus bool) fuse.Status {
	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	if !n.IsDir() {
		return fuse.ENOTDIR
	}
	entries, err := fs.listing(n)
	if err != nil {
		return toStatus(err)
	}
	fs.fillDir(n, entries, in.Offset, out, plus)
	return fuse.OK
}

func (fs *FS) ReleaseDir(in *fuse.ReleaseIn) {
	fs.handles.Release(FileHandle(in.Fh))
}

func (fs *FS) FsyncDir(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	return fuse.OK
}

// =============================================================================
// Extended attributes
// =============================================================================

func (fs *FS) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (sz uint32, status fuse.Status) {
	defer recoverPanic("GetXAttr", &status)

	n, err := fs.node(header.NodeId)
	if err != nil {
		return 0, toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return 0, toStatus(err)
		}
		size, err := fs.local.getXAttr(key, attr, dest)
		if err != nil {
			return 0, toStatus(err)
		}
		return uint32(size), fuse.OK
	case BackendCloud:
		return 0, fuse.Status(ENOATTR)
	default:
		return 0, fuse.Status(ENOTSUP)
	}
}

func (fs *FS) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (sz uint32, status fuse.Status) {
	defer recoverPanic("ListXAttr", &status)

	n, err := fs.node(header.NodeId)
	if err != nil {
		return 0, toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return 0, toStatus(err)
		}
		size, err := fs.local.listXAttr(key, dest)
		if err != nil {
			return 0, toStatus(err)
		}
		return uint32(size), fuse.OK
	case BackendCloud:
		return 0, fuse.OK
	default:
		return 0, fuse.Status(ENOTSUP)
	}
}

func (fs *FS) SetXAttr(cancel <-chan struct{}, in *fuse.SetXAttrIn, attr string, data []byte) (status fuse.Status) {
	defer recoverPanic("SetXAttr", &status)

	n, err := fs.node(in.NodeId)
	if err != nil {
		return toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return toStatus(err)
		}
		return toStatus(fs.local.setXAttr(key, attr, data, in.Flags))
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

func (fs *FS) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) (status fuse.Status) {
	defer recoverPanic("RemoveXAttr", &status)

	n, err := fs.node(header.NodeId)
	if err != nil {
		return toStatus(err)
	}
	switch fs.backendFor(n) {
	case BackendLocal:
		key, err := fs.linkedKey(n)
		if err != nil {
			return toStatus(err)
		}
		return toStatus(fs.local.removeXAttr(key, attr))
	case BackendCloud:
		return fuse.Status(ENOTSUP)
	default:
		return fuse.Status(ENOTSUP)
	}
}

// =============================================================================
// Filesystem
// =============================================================================

func (fs *FS) StatFs(cancel <-chan struct{}, header *fuse.InHeader, out *fuse.StatfsOut) (status fuse.Status) {
	defer recoverPanic("StatFs", &status)
	return toStatus(fs.local.statFs(out))
}

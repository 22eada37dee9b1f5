package vfs

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudfs/internal/cloud"
)

func TestCloudScenario(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	data := patterned(8192)
	db.addFile("c1", "photo.jpg", data, false)
	fs := newTestFS(t, db, cloudBundles())

	h1 := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	assert.Equal(t, uint64(bundleBase), h1, "first bundle takes the first reserved slot")
	n1, ok := fs.Table().FindByID(Handle(h1))
	require.True(t, ok)
	assert.Equal(t, LayerBundleRoot, n1.Layer())

	h2 := mustLookup(t, fs, h1, "photo.jpg")
	assert.GreaterOrEqual(t, h2, uint64(NestedBase))
	n2, ok := fs.Table().FindByID(Handle(h2))
	require.True(t, ok)
	require.NotNil(t, n2.Cloud(), "nodes inside a cloud bundle are cloud-addressed")
	assert.Equal(t, BackendCloud, fs.backendFor(n2))

	fh, st := open(t, fs, h2, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, 1, n2.SessionRefs())
	assert.Equal(t, int32(1), db.inits.Load())

	got, st := read(t, fs, fh, 0, 4096)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, data[:4096], got)

	release(fs, fh)
	assert.Equal(t, 0, n2.SessionRefs())
	fs.Forget(h2, 1)
	fs.Forget(h1, 1)

	_, ok = fs.Table().FindByID(Handle(h1))
	assert.False(t, ok)
	_, ok = fs.Table().FindByPath("bundleA")
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().Inodes))
}

func TestCloudSessionSharing(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "a.bin", patterned(1000), true)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "a.bin")
	n, _ := fs.Table().FindByID(Handle(node))

	var wg sync.WaitGroup
	fhs := make([]uint64, 2)
	for i := range fhs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fh, st := open(t, fs, node, syscall.O_RDONLY)
			assert.Equal(t, fuse.OK, st)
			fhs[i] = fh
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, n.SessionRefs())
	assert.Equal(t, int32(1), db.sessions.Load(), "one session per node")
	assert.Equal(t, int32(1), db.inits.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().SessionsActive))

	release(fs, fhs[0])
	assert.Equal(t, 1, n.SessionRefs())
	assert.Equal(t, int32(0), db.closes.Load(), "first release keeps the session")

	release(fs, fhs[1])
	assert.Equal(t, 0, n.SessionRefs())
	assert.Equal(t, int32(1), db.closes.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(fs.Metrics().SessionsActive))
}

func TestCloudSessionSharingBeforeMaterialize(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	data := patterned(3000)
	db.addFile("c1", "photo.jpg", data, false)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "photo.jpg")
	n, _ := fs.Table().FindByID(Handle(node))

	first, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	second, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)

	// The staged copy exists, but an open session is shared rather than
	// promoted underneath its holders.
	assert.Equal(t, 2, n.SessionRefs())
	assert.False(t, n.Materialized())
	assert.Equal(t, int32(1), db.sessions.Load())
	assert.Equal(t, int32(1), db.inits.Load())

	got, st := read(t, fs, second, 0, 100)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, data[:100], got)

	release(fs, first)
	assert.Equal(t, 1, n.SessionRefs())
	release(fs, second)
	assert.Equal(t, 0, n.SessionRefs())
	assert.Equal(t, int32(1), db.closes.Load())

	// From Closed, the next open promotes the staged copy.
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh)
	assert.True(t, n.Materialized())
	assert.Equal(t, 0, n.SessionRefs())
	assert.Equal(t, int32(1), db.sessions.Load())
}

func TestCloudSlowOpenDoesNotStallTable(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	db := newFakeDB()
	db.addFile("c1", "photo.jpg", patterned(3000), false)
	db.addFile("c1", "other.jpg", patterned(10), true)
	db.initGate = make(chan struct{})
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "photo.jpg")
	n, _ := fs.Table().FindByID(Handle(node))

	type result struct {
		fh uint64
		st fuse.Status
	}
	opened := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			fh, st := open(t, fs, node, syscall.O_RDONLY)
			opened <- result{fh, st}
		}()
	}
	g.Eventually(db.inits.Load).WithTimeout(time.Second).Should(Equal(int32(1)))

	// While the remote init is pending, the rest of the tree stays usable,
	// including a re-lookup of the node being opened.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, st := lookup(t, fs, bundle, "photo.jpg")
		assert.Equal(t, fuse.OK, st)
		_, st = lookup(t, fs, bundle, "other.jpg")
		assert.Equal(t, fuse.OK, st)
		in := fuse.GetAttrIn{InHeader: header(uint64(RootHandle))}
		var ao fuse.AttrOut
		assert.Equal(t, fuse.OK, fs.GetAttr(nil, &in, &ao))
	}()
	g.Eventually(done).WithTimeout(time.Second).Should(BeClosed())
	g.Consistently(opened).WithTimeout(50 * time.Millisecond).ShouldNot(Receive())

	close(db.initGate)
	for i := 0; i < 2; i++ {
		var r result
		g.Eventually(opened).WithTimeout(time.Second).Should(Receive(&r))
		require.Equal(t, fuse.OK, r.st)
		defer release(fs, r.fh)
	}
	assert.Equal(t, 2, n.SessionRefs())
	assert.Equal(t, int32(1), db.sessions.Load(), "the waiting open shares the session")
	assert.Equal(t, int32(1), db.inits.Load())
}

func TestCloudMaterialization(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	data := patterned(20000)
	db.addFile("c1", "dir/big.bin", data, false)
	db.addDir("c1", "dir")
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	dir := mustLookup(t, fs, bundle, "dir")
	node := mustLookup(t, fs, dir, "big.bin")
	n, _ := fs.Table().FindByID(Handle(node))

	// The first open streams and leaves the staged copy behind.
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	assert.False(t, n.Materialized())
	release(fs, fh)

	// The second open promotes it.
	fh, st = open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh)
	assert.True(t, n.Materialized())
	assert.Equal(t, 0, n.SessionRefs(), "materialized opens take no session")
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().Materialized))

	canonical := fs.opts.Root.CanonicalPath("bundleA/dir/big.bin")
	onDisk, err := os.ReadFile(canonical)
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	preads := db.preads.Load()
	for _, off := range []int64{0, 4096, 19000, 30000} {
		got, st := read(t, fs, fh, off, 4096)
		require.Equal(t, fuse.OK, st)
		end := off + 4096
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if off > int64(len(data)) {
			off = end
		}
		assert.Equal(t, onDisk[off:end], got)
	}
	assert.Equal(t, preads, db.preads.Load(), "materialized reads never reach the session")

	// Reopening again stays local and does not create a session.
	sessions := db.sessions.Load()
	fh2, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	release(fs, fh2)
	assert.Equal(t, sessions, db.sessions.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().Materialized), "materialization happens once")
}

func TestCloudReleasedHandleOpensNoLocalCopy(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "photo.jpg", patterned(3000), false)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "photo.jpg")

	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	of, ok := fs.handles.Get(FileHandle(fh))
	require.True(t, ok)
	release(fs, fh)

	fh2, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh2)
	n, _ := fs.Table().FindByID(Handle(node))
	require.True(t, n.Materialized())

	// A read still in flight on the released handle must not reopen the
	// canonical copy behind it.
	assert.Nil(t, fs.cloud.localFile(of))
	of.mu.Lock()
	defer of.mu.Unlock()
	assert.Nil(t, of.file)
	assert.True(t, of.released)
}

func TestCloudStreamedNeverMaterializes(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "live.mov", patterned(5000), true)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "live.mov")
	n, _ := fs.Table().FindByID(Handle(node))

	for i := 0; i < 2; i++ {
		fh, st := open(t, fs, node, syscall.O_RDONLY)
		require.Equal(t, fuse.OK, st)
		release(fs, fh)
	}
	assert.False(t, n.Materialized())
	assert.Equal(t, int32(2), db.sessions.Load())
	_, err := os.Stat(fs.opts.Root.CanonicalPath("bundleA/live.mov"))
	assert.True(t, os.IsNotExist(err))
}

func TestCloudReadAhead(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	data := patterned(200 * 1024)
	db.addFile("c1", "seq.bin", data, true)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "seq.bin")
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh)

	// Sequential probe-sized reads: the first fetches a window, the rest
	// of that window is served from memory.
	for off := int64(0); off < 64*1024; off += 4096 {
		got, st := read(t, fs, fh, off, 4096)
		require.Equal(t, fuse.OK, st)
		assert.Equal(t, data[off:off+4096], got)
	}
	assert.Equal(t, int32(1), db.preads.Load())
	assert.Equal(t, float64(16), testutil.ToFloat64(fs.Metrics().Reads.WithLabelValues("cloud", "readahead")))

	// Larger reads bypass the window.
	got, st := read(t, fs, fh, 100000, 10000)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, data[100000:110000], got)
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().Reads.WithLabelValues("cloud", "remote")))
}

func TestCloudReadTimeout(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	db := newFakeDB()
	db.addFile("c1", "slow.bin", patterned(100), true)
	db.block = make(chan struct{})
	fs := newTestFS(t, db, cloudBundles(), func(o *Options) {
		o.ReadTimeout = 100 * time.Millisecond
	})

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "slow.bin")
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)

	start := time.Now()
	_, st = read(t, fs, fh, 0, 50)
	assert.Equal(t, fuse.Status(syscall.ENOTCONN), st)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().BridgeTimeouts))

	// The abandoned read finishes later without disturbing anything.
	close(db.block)
	g.Eventually(db.served.Load).WithTimeout(time.Second).WithPolling(10 * time.Millisecond).Should(Equal(int32(1)))

	got, st := read(t, fs, fh, 0, 50)
	require.Equal(t, fuse.OK, st)
	assert.Len(t, got, 50)
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().BridgeTimeouts))

	release(fs, fh)
	assert.Equal(t, int32(1), db.closes.Load())
}

func TestCloudReleaseDuringRead(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	db := newFakeDB()
	data := patterned(200 * 1024)
	db.addFile("c1", "seq.bin", data, true)
	db.block = make(chan struct{})
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "seq.bin")
	n, _ := fs.Table().FindByID(Handle(node))
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)

	type reply struct {
		data []byte
		st   fuse.Status
	}
	replies := make(chan reply, 2)
	go func() {
		// Probe-sized, so the read fetches a read-ahead window.
		got, st := read(t, fs, fh, 0, 4096)
		replies <- reply{got, st}
	}()
	g.Eventually(db.preads.Load).WithTimeout(time.Second).Should(Equal(int32(1)))

	release(fs, fh)
	assert.Equal(t, 0, n.SessionRefs())
	assert.Equal(t, int32(1), db.closes.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(fs.Metrics().SessionsActive))

	close(db.block)
	var r reply
	g.Eventually(replies).WithTimeout(time.Second).Should(Receive(&r))
	assert.Equal(t, fuse.OK, r.st)
	assert.Equal(t, data[:4096], r.data)
	g.Consistently(replies).WithTimeout(50 * time.Millisecond).ShouldNot(Receive())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Nil(t, n.session)
	assert.Nil(t, n.ra.buf, "no window stored for a torn-down session")
	assert.Equal(t, int32(1), db.closes.Load())
}

func TestCloudReadInterrupted(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "slow.bin", patterned(100), true)
	db.block = make(chan struct{})
	defer close(db.block)
	fs := newTestFS(t, db, cloudBundles())

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "slow.bin")
	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh)

	cancel := make(chan struct{})
	close(cancel)
	in := fuse.ReadIn{Fh: fh, Size: 50}
	_, st = fs.Read(cancel, &in, make([]byte, 50))
	assert.Equal(t, fuse.Status(syscall.EINTR), st)
}

func TestCloudOpenFailure(t *testing.T) {
	t.Parallel()
	g := NewWithT(t)

	db := newFakeDB()
	db.addFile("c1", "broken.bin", patterned(10), true)
	db.initErr = cloud.Errorf(cloud.KindTransport, "init", "network unreachable")
	notifier := &recordingNotifier{}
	fs := newTestFS(t, db, cloudBundles(), func(o *Options) { o.Notifier = notifier })

	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "broken.bin")
	n, _ := fs.Table().FindByID(Handle(node))
	_, cached := fs.opts.RecordCache.Get("c1", "broken.bin")
	require.True(t, cached)

	_, st := open(t, fs, node, syscall.O_RDONLY)
	assert.Equal(t, fuse.Status(syscall.ENOTCONN), st)
	assert.Equal(t, 0, n.SessionRefs(), "a failed open leaves no session")
	assert.Equal(t, int32(1), db.closes.Load(), "the half-open session is closed")
	assert.Equal(t, float64(1), testutil.ToFloat64(fs.Metrics().OpenFailures))

	_, cached = fs.opts.RecordCache.Get("c1", "broken.bin")
	assert.False(t, cached, "the cached record is dropped")
	g.Eventually(notifier.Calls).WithTimeout(time.Second).Should(ConsistOf(
		fmt.Sprintf("%d/%s", bundle, "broken.bin"),
	))
}

func TestCloudOpenNoSession(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addDir("c1", "d")
	db.addFile("c1", "d/x", patterned(10), true)
	fs := newTestFS(t, db, cloudBundles())
	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	dir := mustLookup(t, fs, bundle, "d")
	node := mustLookup(t, fs, dir, "x")

	db.mu.Lock()
	delete(db.content, "rec-c1-d/x")
	db.mu.Unlock()

	_, st := open(t, fs, node, syscall.O_RDONLY)
	assert.Equal(t, fuse.EIO, st)
}

func TestCloudReadOnly(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "a.txt", []byte("hello"), true)
	fs := newTestFS(t, db, cloudBundles())
	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "a.txt")

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
		_, st := open(t, fs, node, flags)
		assert.Equal(t, fuse.EROFS, st, "flags %#x", flags)
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(fs.Metrics().OpenFailures))

	var eo fuse.EntryOut
	mk := fuse.MkdirIn{InHeader: header(bundle), Mode: 0755}
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.Mkdir(nil, &mk, "new", &eo))

	var co fuse.CreateOut
	cr := fuse.CreateIn{InHeader: header(bundle), Flags: syscall.O_RDWR, Mode: 0644}
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.Create(nil, &cr, "new.txt", &co))

	h := header(bundle)
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.Unlink(nil, &h, "a.txt"))

	root := header(uint64(RootHandle))
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.Rmdir(nil, &root, "bundleA"), "cloud bundle directories are fixed")

	var ao fuse.AttrOut
	sa := fuse.SetAttrIn{SetAttrInCommon: fuse.SetAttrInCommon{InHeader: header(node), Valid: fuse.FATTR_MODE, Mode: 0600}}
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.SetAttr(nil, &sa, &ao))

	rn := fuse.RenameIn{InHeader: header(bundle), Newdir: bundle}
	assert.Equal(t, fuse.Status(syscall.ENOTSUP), fs.Rename(nil, &rn, "a.txt", "b.txt"))
}

func TestCloudGetAttrAndLseek(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	db.addFile("c1", "a.txt", []byte("hello world"), true)
	fs := newTestFS(t, db, cloudBundles())
	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")
	node := mustLookup(t, fs, bundle, "a.txt")

	var ao fuse.AttrOut
	in := fuse.GetAttrIn{InHeader: header(node)}
	require.Equal(t, fuse.OK, fs.GetAttr(nil, &in, &ao))
	assert.Equal(t, uint64(11), ao.Size)
	assert.Equal(t, uint32(syscall.S_IFREG|0644), ao.Mode)
	assert.Equal(t, uint32(os.Getuid()), ao.Uid)
	assert.Equal(t, uint64(1700000000), ao.Mtime)

	fh, st := open(t, fs, node, syscall.O_RDONLY)
	require.Equal(t, fuse.OK, st)
	defer release(fs, fh)

	cases := []struct {
		off    uint64
		whence uint32
		want   uint64
		status fuse.Status
	}{
		{3, seekData, 3, fuse.OK},
		{3, seekHole, 11, fuse.OK},
		{11, seekData, 0, fuse.Status(syscall.ENXIO)},
	}
	for _, c := range cases {
		var out fuse.LseekOut
		ls := fuse.LseekIn{Fh: fh, Offset: c.off, Whence: c.whence}
		st := fs.Lseek(nil, &ls, &out)
		assert.Equal(t, c.status, st)
		if st.Ok() {
			assert.Equal(t, c.want, out.Offset)
		}
	}

	var sz uint32
	sz, st = fs.GetXAttr(nil, &in.InHeader, "user.x", make([]byte, 16))
	assert.Equal(t, fuse.Status(syscall.ENODATA), st)
	assert.Zero(t, sz)
}

func TestCloudLookupMissing(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	fs := newTestFS(t, db, cloudBundles())
	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")

	_, st := lookup(t, fs, bundle, "nope")
	assert.Equal(t, fuse.ENOENT, st)
	assert.Equal(t, 2, fs.Table().Len())
}

func TestCloudLookupMissingDropsCachedSubtree(t *testing.T) {
	t.Parallel()

	db := newFakeDB()
	fs := newTestFS(t, db, cloudBundles())
	bundle := mustLookup(t, fs, uint64(RootHandle), "bundleA")

	records := fs.opts.RecordCache
	records.Set("c1", "gone/x", cloud.Record{Name: "x", Path: "gone/x"})
	records.Set("c1", "kept", cloud.Record{Name: "kept", Path: "kept"})

	_, st := lookup(t, fs, bundle, "gone")
	assert.Equal(t, fuse.ENOENT, st)

	_, ok := records.Get("c1", "gone/x")
	assert.False(t, ok, "records below a vanished directory are dropped")
	_, ok = records.Get("c1", "kept")
	assert.True(t, ok)
}

package vfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/require"

	"cloudfs/internal/cache"
	"cloudfs/internal/cloud"
	"cloudfs/internal/config"
	"cloudfs/internal/storage"
)

// fakeDB is an in-memory cloud.Database. Sessions serve the record content
// and, when given a staging path, write it there on init.
type fakeDB struct {
	mu      sync.Mutex
	records map[string]cloud.Record // container + "\x00" + path
	content map[string][]byte       // record id

	stats    atomic.Int32
	sessions atomic.Int32
	inits    atomic.Int32
	preads   atomic.Int32
	served   atomic.Int32
	closes   atomic.Int32

	// block, when set, stalls every PRead until it is closed. initGate does
	// the same for InitSession.
	block    chan struct{}
	initGate chan struct{}
	initErr  error
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		records: make(map[string]cloud.Record),
		content: make(map[string][]byte),
	}
}

func (db *fakeDB) addFile(container, p string, data []byte, streamed bool) cloud.Record {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec := cloud.Record{
		Name:     path.Base(p),
		Path:     p,
		RecordID: "rec-" + container + "-" + p,
		AssetKey: "asset-" + p,
		Size:     int64(len(data)),
		Mode:     0644,
		MTime:    time.Unix(1700000000, 0),
		Streamed: streamed,
	}
	db.records[container+"\x00"+p] = rec
	db.content[rec.RecordID] = data
	return rec
}

func (db *fakeDB) addDir(container, p string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.records[container+"\x00"+p] = cloud.Record{
		Name: path.Base(p), Path: p, RecordID: "dir-" + p, IsDir: true, Mode: os.ModeDir | 0755,
		MTime: time.Unix(1700000000, 0),
	}
}

func (db *fakeDB) Stat(ctx context.Context, container, p string) (*cloud.Record, error) {
	db.stats.Add(1)
	if p == "" {
		return &cloud.Record{IsDir: true, Mode: os.ModeDir | 0755}, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.records[container+"\x00"+p]
	if !ok {
		return nil, cloud.Errorf(cloud.KindNotFound, "stat", "%s:%s", container, p)
	}
	return &rec, nil
}

func (db *fakeDB) List(ctx context.Context, container, dir string) ([]cloud.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []cloud.Record
	for k, rec := range db.records {
		if !strings.HasPrefix(k, container+"\x00") {
			continue
		}
		parent := path.Dir(rec.Path)
		if parent == "." {
			parent = ""
		}
		if parent == dir {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (db *fakeDB) NewReadSession(containerType, recordID, assetKey, staging string) cloud.ReadSession {
	db.sessions.Add(1)
	db.mu.Lock()
	data, ok := db.content[recordID]
	db.mu.Unlock()
	if !ok {
		return nil
	}
	return &fakeSession{db: db, data: data, staging: staging}
}

type fakeSession struct {
	db      *fakeDB
	data    []byte
	staging string
	closed  atomic.Bool
}

func (s *fakeSession) InitSession() error {
	s.db.inits.Add(1)
	if s.db.initGate != nil {
		<-s.db.initGate
	}
	if s.db.initErr != nil {
		return s.db.initErr
	}
	if s.staging != "" {
		if err := os.MkdirAll(path.Dir(s.staging), 0755); err != nil {
			return err
		}
		return os.WriteFile(s.staging, s.data, 0644)
	}
	return nil
}

func (s *fakeSession) PRead(off int64, size int, buf []byte) (int, error) {
	s.db.preads.Add(1)
	if s.db.block != nil {
		<-s.db.block
	}
	defer s.db.served.Add(1)
	if off >= int64(len(s.data)) {
		return 0, nil
	}
	return copy(buf[:size], s.data[off:]), nil
}

func (s *fakeSession) Close(keep bool) bool {
	s.db.closes.Add(1)
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	if !keep && s.staging != "" {
		os.Remove(s.staging)
	}
	return true
}

// patterned returns n bytes of a repeating, offset-dependent pattern.
func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// newTestFS creates a filesystem over a fresh storage root.
func newTestFS(t *testing.T, db cloud.Database, bundles map[string]config.Bundle, mods ...func(*Options)) *FS {
	t.Helper()
	root := storage.NewRoot(t.TempDir(), uint32(os.Getuid()))
	require.NoError(t, root.Prepare())
	t.Cleanup(func() { root.Release() })

	opts := Options{
		Root:         root,
		DB:           db,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
		Bundles:      bundles,
		ReadTimeout:  2 * time.Second,
		ReadWorkers:  4,
		ReadAhead:    config.ReadAhead{ProbeSize: 4096, Window: 64 * 1024},
		EntryTimeout: time.Second,
		RecordCache:  cache.NewRecordCache(time.Minute, 100),
	}
	for _, mod := range mods {
		mod(&opts)
	}
	fs, err := New(opts)
	require.NoError(t, err)
	return fs
}

// cloudBundles binds bundleA to container c1.
func cloudBundles() map[string]config.Bundle {
	return map[string]config.Bundle{"bundleA": {Container: "c1", ContainerType: "photos"}}
}

// recordingNotifier collects entry invalidations.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingNotifier) EntryNotify(parent uint64, name string) fuse.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%d/%s", parent, name))
	return fuse.OK
}

func (r *recordingNotifier) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func header(node uint64) fuse.InHeader {
	return fuse.InHeader{NodeId: node}
}

func lookup(t *testing.T, fs *FS, parent uint64, name string) (fuse.EntryOut, fuse.Status) {
	t.Helper()
	var out fuse.EntryOut
	h := header(parent)
	st := fs.Lookup(nil, &h, name, &out)
	return out, st
}

func mustLookup(t *testing.T, fs *FS, parent uint64, name string) uint64 {
	t.Helper()
	out, st := lookup(t, fs, parent, name)
	require.Equal(t, fuse.OK, st, "lookup %q", name)
	return out.NodeId
}

func open(t *testing.T, fs *FS, node uint64, flags uint32) (uint64, fuse.Status) {
	t.Helper()
	in := fuse.OpenIn{InHeader: header(node), Flags: flags}
	var out fuse.OpenOut
	st := fs.Open(nil, &in, &out)
	return out.Fh, st
}

func read(t *testing.T, fs *FS, fh uint64, off int64, size int) ([]byte, fuse.Status) {
	t.Helper()
	in := fuse.ReadIn{Fh: fh, Offset: uint64(off), Size: uint32(size)}
	buf := make([]byte, size)
	res, st := fs.Read(nil, &in, buf)
	if !st.Ok() {
		return nil, st
	}
	data, st := res.Bytes(buf)
	out := make([]byte, len(data))
	copy(out, data)
	return out, st
}

func release(fs *FS, fh uint64) {
	fs.Release(nil, &fuse.ReleaseIn{Fh: fh})
}

// direntry is one parsed record of a READDIR or READDIRPLUS reply.
type direntry struct {
	node uint64 // entry node id, READDIRPLUS only
	ino  uint64
	off  uint64
	typ  uint32
	name string
}

var entryOutSize = int(unsafe.Sizeof(fuse.EntryOut{}))

// readDir runs one READDIR (or READDIRPLUS) call with a reply buffer of
// size bytes.
func readDir(t *testing.T, fs *FS, node, off uint64, size int, plus bool) []direntry {
	t.Helper()
	buf := make([]byte, size)
	list := fuse.NewDirEntryList(buf, off)
	in := fuse.ReadIn{InHeader: header(node), Offset: off, Size: uint32(size)}
	var st fuse.Status
	prefix := 0
	if plus {
		st = fs.ReadDirPlus(nil, &in, list)
		prefix = entryOutSize
	} else {
		st = fs.ReadDir(nil, &in, list)
	}
	require.Equal(t, fuse.OK, st)
	return parseDirents(buf, prefix)
}

// parseDirents decodes the records in a zero-filled reply buffer. Each
// record is prefix bytes of entry reply followed by a fuse_dirent.
func parseDirents(buf []byte, prefix int) []direntry {
	var out []direntry
	for len(buf) >= prefix+24 {
		var d direntry
		if prefix > 0 {
			d.node = binary.LittleEndian.Uint64(buf[0:8])
		}
		rec := buf[prefix:]
		nameLen := int(binary.LittleEndian.Uint32(rec[16:20]))
		if nameLen == 0 || 24+nameLen > len(rec) {
			break
		}
		d.ino = binary.LittleEndian.Uint64(rec[0:8])
		d.off = binary.LittleEndian.Uint64(rec[8:16])
		d.typ = binary.LittleEndian.Uint32(rec[20:24])
		d.name = string(rec[24 : 24+nameLen])
		out = append(out, d)
		buf = buf[prefix+(24+nameLen+7)&^7:]
	}
	return out
}

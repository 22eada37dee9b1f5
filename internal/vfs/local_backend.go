package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"cloudfs/internal/storage"
)

// localBackend passes operations through to the user's storage root.
// Paths handed to it are keys relative to that root.
type localBackend struct {
	dir  string
	fs   billy.Filesystem
	hide *hideFilter
}

func newLocalBackend(root *storage.Root, hide []string) *localBackend {
	dir := root.Dir()
	return &localBackend{
		dir:  dir,
		fs:   osfs.New(dir, osfs.WithBoundOS()),
		hide: newHideFilter(dir, hide),
	}
}

func (b *localBackend) rel(key string) string {
	if key == "" {
		return "."
	}
	return filepath.FromSlash(key)
}

func (b *localBackend) abs(key string) string {
	return filepath.Join(b.dir, filepath.FromSlash(key))
}

func (b *localBackend) lstat(key string) (os.FileInfo, error) {
	if key == "" {
		return os.Lstat(b.dir)
	}
	fi, err := b.fs.Lstat(b.rel(key))
	if err != nil {
		return nil, err
	}
	if b.hide.hidden(key, fi.IsDir()) {
		return nil, ENOENT
	}
	return fi, nil
}

// fetch resolves key for the inode table.
func (b *localBackend) fetch(key string) (NodeInfo, error) {
	fi, err := b.lstat(key)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{Attr: infoAttr(fi)}, nil
}

// list returns the visible children of the directory at key, sorted by name.
func (b *localBackend) list(key string) ([]dirEntry, error) {
	infos, err := b.fs.ReadDir(b.rel(key))
	if err != nil {
		return nil, err
	}
	entries := make([]dirEntry, 0, len(infos))
	for _, fi := range infos {
		childKey := fi.Name()
		if key != "" {
			childKey = key + "/" + fi.Name()
		}
		if b.hide.hidden(childKey, fi.IsDir()) {
			continue
		}
		entries = append(entries, dirEntry{name: fi.Name(), mode: fileMode(fi)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func (b *localBackend) open(key string, flags uint32) (billy.File, error) {
	return b.fs.OpenFile(b.rel(key), int(flags)&^os.O_CREATE, 0)
}

func (b *localBackend) create(key string, flags, mode uint32) (billy.File, error) {
	return b.fs.OpenFile(b.rel(key), int(flags)|os.O_CREATE, os.FileMode(mode&07777))
}

func (b *localBackend) mknod(key string, mode, rdev uint32) error {
	return unix.Mknod(b.abs(key), mode, int(rdev))
}

func (b *localBackend) mkdir(key string, mode uint32) error {
	return unix.Mkdir(b.abs(key), mode&07777)
}

// ensureDir creates the directory at key if missing.
func (b *localBackend) ensureDir(key string) error {
	return b.fs.MkdirAll(b.rel(key), storage.DefaultDirPerm)
}

func (b *localBackend) unlink(key string) error {
	return unix.Unlink(b.abs(key))
}

func (b *localBackend) rmdir(key string) error {
	return unix.Rmdir(b.abs(key))
}

func (b *localBackend) rename(oldKey, newKey string, flags uint32) error {
	if flags != 0 {
		return unix.Renameat2(unix.AT_FDCWD, b.abs(oldKey), unix.AT_FDCWD, b.abs(newKey), uint(flags))
	}
	if _, err := b.fs.Lstat(b.rel(filepath.Dir(newKey))); err != nil {
		// billy creates missing parents on rename; the kernel expects ENOENT.
		return err
	}
	return b.fs.Rename(b.rel(oldKey), b.rel(newKey))
}

func (b *localBackend) symlink(target, key string) error {
	return b.fs.Symlink(target, b.rel(key))
}

func (b *localBackend) readlink(key string) (string, error) {
	return b.fs.Readlink(b.rel(key))
}

// setAttr applies the changes carried by in. f is the open file named by
// the request, if any; truncation prefers it.
func (b *localBackend) setAttr(key string, f billy.File, in *fuse.SetAttrIn) error {
	p := b.abs(key)
	if mode, ok := in.GetMode(); ok {
		if err := os.Chmod(p, os.FileMode(mode)&os.ModePerm|unixModeBits(mode)); err != nil {
			return err
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := os.Lchown(p, u, g); err != nil {
			return err
		}
	}

	if size, ok := in.GetSize(); ok {
		var err error
		if f != nil {
			err = f.Truncate(int64(size))
		} else {
			err = os.Truncate(p, int64(size))
		}
		if err != nil {
			return err
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
		if aok {
			ts[0] = unix.NsecToTimespec(atime.UnixNano())
		}
		if mok {
			ts[1] = unix.NsecToTimespec(mtime.UnixNano())
		}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return err
		}
	}
	return nil
}

func (b *localBackend) read(f billy.File, off int64, dest []byte) (int, error) {
	n, err := f.ReadAt(dest, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (b *localBackend) write(of *openFile, off int64, data []byte) (int, error) {
	if w, ok := of.file.(io.WriterAt); ok && of.flags&syscall.O_APPEND == 0 {
		return w.WriteAt(data, off)
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if of.flags&syscall.O_APPEND == 0 {
		if _, err := of.file.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
	}
	return of.file.Write(data)
}

// lseek resolves SEEK_DATA and SEEK_HOLE against the underlying file.
func (b *localBackend) lseek(f billy.File, off int64, whence uint32) (int64, error) {
	fd, ok := f.(interface{ Fd() uintptr })
	if !ok {
		return 0, ENOTSUP
	}
	return unix.Seek(int(fd.Fd()), off, int(whence))
}

func (b *localBackend) fsync(f billy.File) error {
	if s, ok := f.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (b *localBackend) getXAttr(key, attr string, dest []byte) (int, error) {
	return unix.Lgetxattr(b.abs(key), attr, dest)
}

func (b *localBackend) listXAttr(key string, dest []byte) (int, error) {
	return unix.Llistxattr(b.abs(key), dest)
}

func (b *localBackend) setXAttr(key, attr string, data []byte, flags uint32) error {
	return unix.Lsetxattr(b.abs(key), attr, data, int(flags))
}

func (b *localBackend) removeXAttr(key, attr string) error {
	return unix.Lremovexattr(b.abs(key), attr)
}

func (b *localBackend) statFs(out *fuse.StatfsOut) error {
	var st syscall.Statfs_t
	if err := syscall.Statfs(b.dir, &st); err != nil {
		return err
	}
	out.FromStatfsT(&st)
	return nil
}

// infoAttr converts a local stat result into kernel attributes.
func infoAttr(fi os.FileInfo) fuse.Attr {
	if a := fuse.ToAttr(fi); a != nil {
		return *a
	}
	mt := fi.ModTime()
	a := fuse.Attr{
		Size:    uint64(fi.Size()),
		Blocks:  uint64(fi.Size()+511) / 512,
		Mode:    fileMode(fi),
		Nlink:   1,
		Blksize: 4096,
	}
	a.SetTimes(&mt, &mt, &mt)
	return a
}

// fileMode returns the S_IF* type bits and permissions of fi.
func fileMode(fi os.FileInfo) uint32 {
	if st := fuse.ToStatT(fi); st != nil {
		return st.Mode
	}
	m := fi.Mode()
	perm := uint32(m.Perm())
	switch {
	case m.IsDir():
		return syscall.S_IFDIR | perm
	case m&os.ModeSymlink != 0:
		return syscall.S_IFLNK | perm
	case m&os.ModeNamedPipe != 0:
		return syscall.S_IFIFO | perm
	case m&os.ModeSocket != 0:
		return syscall.S_IFSOCK | perm
	case m&os.ModeCharDevice != 0:
		return syscall.S_IFCHR | perm
	case m&os.ModeDevice != 0:
		return syscall.S_IFBLK | perm
	default:
		return syscall.S_IFREG | perm
	}
}

// unixModeBits maps setuid, setgid and sticky bits to their os.FileMode form.
func unixModeBits(mode uint32) os.FileMode {
	var m os.FileMode
	if mode&syscall.S_ISUID != 0 {
		m |= os.ModeSetuid
	}
	if mode&syscall.S_ISGID != 0 {
		m |= os.ModeSetgid
	}
	if mode&syscall.S_ISVTX != 0 {
		m |= os.ModeSticky
	}
	return m
}

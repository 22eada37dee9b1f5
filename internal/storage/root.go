package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/zeebo/blake3"

	"cloudfs/internal/common"
)

// StagingDirName is the hidden directory, inside a user root, where cloud
// assets are downloaded before being materialized.
const StagingDirName = ".cloudfs-staging"

// Root is the per-user local storage tree that backs the filesystem.
//
//	<base>/<uid>/                  user root, served by the local backend
//	<base>/<uid>/<bundle>/...      canonical copies of materialized assets
//	<base>/<uid>/.cloudfs-staging  staged downloads
//	<base>/<uid>.lock              held while mounted
type Root struct {
	base string
	uid  uint32
	lock *flock.Flock
}

// NewRoot returns the storage root for uid under base. Nothing is created
// until Prepare is called.
func NewRoot(base string, uid uint32) *Root {
	return &Root{base: base, uid: uid}
}

// Dir returns the user root directory.
func (r *Root) Dir() string {
	return filepath.Join(r.base, strconv.FormatUint(uint64(r.uid), 10))
}

// UID returns the user id the root belongs to.
func (r *Root) UID() uint32 {
	return r.uid
}

// StagingDir returns the staging directory.
func (r *Root) StagingDir() string {
	return filepath.Join(r.Dir(), StagingDirName)
}

// LockPath returns the lock file guarding the user root.
func (r *Root) LockPath() string {
	return r.Dir() + ".lock"
}

// Prepare creates the directory layout and takes the exclusive lock.
func (r *Root) Prepare() error {
	if err := os.MkdirAll(r.StagingDir(), 0700); err != nil {
		return fmt.Errorf("failed to create storage root: %w", err)
	}
	r.lock = flock.New(r.LockPath())
	locked, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", r.Dir(), common.ErrRootLocked)
	}
	return nil
}

// Release drops the lock taken by Prepare.
func (r *Root) Release() error {
	if r.lock == nil {
		return nil
	}
	return r.lock.Unlock()
}

// CanonicalPath returns where the materialized copy of key lives.
func (r *Root) CanonicalPath(key string) string {
	return filepath.Join(r.Dir(), filepath.FromSlash(common.NormalizePath(key)))
}

// StagingPath returns the staging file for one remote record. The name is
// stable for a given (containerType, recordID).
func (r *Root) StagingPath(containerType, recordID string) string {
	h := blake3.New()
	h.Write([]byte(containerType))
	h.Write([]byte{0})
	h.Write([]byte(recordID))
	return filepath.Join(r.StagingDir(), hex.EncodeToString(h.Sum(nil)[:16]))
}

// Package cloud defines the boundary between the filesystem core and the
// remote record database / asset store it reads from.
package cloud

import (
	"context"
	"os"
	"time"
)

// ReadSession performs positioned reads of one remote asset.
//
// A session is created by AssetProvider.NewReadSession and must be initialised
// with InitSession before PRead is used. Close releases the session; when
// keepStagingFile is true any local staging copy written while reading is
// left in place so a later open can materialize it.
type ReadSession interface {
	InitSession() error
	PRead(offset int64, size int, buf []byte) (int, error)
	Close(keepStagingFile bool) bool
}

// AssetProvider hands out read sessions for remote assets.
type AssetProvider interface {
	// NewReadSession returns nil when the provider cannot create a session.
	NewReadSession(containerType, recordID, assetKey, localStagingPath string) ReadSession
}

// Record is the metadata of one remote file or directory.
type Record struct {
	Name     string
	Path     string // bundle-relative, slash separated
	RecordID string
	AssetKey string
	IsDir    bool
	Size     int64
	Mode     os.FileMode
	MTime    time.Time
	// Streamed records are never materialized locally; they are only read
	// through a session.
	Streamed bool
}

// Database is the metadata side of the remote collaborator.
type Database interface {
	AssetProvider

	// Stat returns the record at path inside container.
	// A missing record is reported as an Error of KindNotFound.
	Stat(ctx context.Context, container, path string) (*Record, error)

	// List returns the direct children of dir inside container.
	List(ctx context.Context, container, dir string) ([]Record, error)
}

package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/zeebo/blake3"

	"cloudfs/internal/cloud"
	"cloudfs/internal/common"
	"cloudfs/internal/util"
)

// Catalog is a SQLite-backed record store plus a content-addressed blob
// directory. It implements cloud.Database so the filesystem can be served
// without a remote service.
type Catalog struct {
	dir   string
	db    *sql.DB
	bunDB *BunDB
}

var _ cloud.Database = (*Catalog)(nil)

// ImportOptions controls how Import records a new file.
type ImportOptions struct {
	Streamed bool
	Mode     os.FileMode // permission bits; zero means DefaultFilePerm
	MTime    time.Time   // zero means now
}

// CreateCatalog creates a new catalog in dir.
func CreateCatalog(dir string) (*Catalog, error) {
	dbPath := filepath.Join(dir, CatalogFileName)
	if _, err := os.Stat(dbPath); err == nil {
		return nil, fmt.Errorf("catalog already exists: %s", dbPath)
	}
	if err := os.MkdirAll(filepath.Join(dir, BlobDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}

	db, err := sql.Open("libsql", BuildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, err
	}
	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := execStatements(db, initCatalog, SchemaVersion); err != nil {
		db.Close()
		os.Remove(dbPath)
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	log.Debugf("[Catalog] created %s", dbPath)
	return &Catalog{dir: dir, db: db, bunDB: NewBunDB(db)}, nil
}

// OpenCatalog opens an existing catalog in dir.
func OpenCatalog(dir string) (*Catalog, error) {
	dbPath := filepath.Join(dir, CatalogFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("catalog not found: %s", dbPath)
	}

	db, err := sql.Open("libsql", BuildDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	bunDB := NewBunDB(db)
	fileType, err := bunDB.GetSchemaInfo(context.Background(), "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != "catalog" {
		db.Close()
		return nil, fmt.Errorf("not a catalog (type=%s)", fileType)
	}

	return &Catalog{dir: dir, db: db, bunDB: bunDB}, nil
}

// OpenOrCreateCatalog opens the catalog in dir, creating it when missing.
func OpenOrCreateCatalog(dir string) (*Catalog, error) {
	if _, err := os.Stat(filepath.Join(dir, CatalogFileName)); os.IsNotExist(err) {
		return CreateCatalog(dir)
	}
	return OpenCatalog(dir)
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Dir returns the catalog directory.
func (c *Catalog) Dir() string {
	return c.dir
}

// BlobPath returns where the blob for assetKey lives.
func (c *Catalog) BlobPath(assetKey string) string {
	if len(assetKey) < 2 {
		return filepath.Join(c.dir, BlobDirName, assetKey)
	}
	return filepath.Join(c.dir, BlobDirName, assetKey[:2], assetKey)
}

// Stat implements cloud.Database.
func (c *Catalog) Stat(ctx context.Context, container, p string) (*cloud.Record, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return &cloud.Record{Path: "", IsDir: true, Mode: os.ModeDir | DefaultDirPerm}, nil
	}
	rec, err := util.RetryWithResult(ctx, func() (*RecordModel, error) {
		return c.bunDB.GetRecord(ctx, container, p)
	})
	if err != nil {
		return nil, &cloud.Error{Kind: cloud.KindServer, Op: "stat", Err: err}
	}
	if rec == nil {
		return nil, cloud.Errorf(cloud.KindNotFound, "stat", "%s:%s", container, p)
	}
	r := rec.ToRecord()
	return &r, nil
}

// List implements cloud.Database.
func (c *Catalog) List(ctx context.Context, container, dir string) ([]cloud.Record, error) {
	dir = common.NormalizePath(dir)
	recs, err := util.RetryWithResult(ctx, func() ([]RecordModel, error) {
		return c.bunDB.ListRecords(ctx, container, dir)
	})
	if err != nil {
		return nil, &cloud.Error{Kind: cloud.KindServer, Op: "list", Err: err}
	}
	out := make([]cloud.Record, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].ToRecord())
	}
	return out, nil
}

// Mkdir records a directory at p, creating missing parents.
func (c *Catalog) Mkdir(ctx context.Context, container, containerType, p string) error {
	p = common.NormalizePath(p)
	if p == "" {
		return nil
	}
	return util.Retry(ctx, func() error {
		return c.bunDB.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return c.ensureDirs(ctx, tx, container, containerType, p)
		})
	})
}

func (c *Catalog) ensureDirs(ctx context.Context, idb bun.IDB, container, containerType, p string) error {
	now := time.Now().Unix()
	parts := common.SplitPath(p)
	for i := range parts {
		dir := common.JoinPath(parts[:i+1]...)
		existing, err := c.bunDB.getRecordWith(idb, ctx, container, dir)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.IsDir {
				return fmt.Errorf("%s: %w", dir, common.ErrExists)
			}
			continue
		}
		err = c.bunDB.upsertRecordWith(idb, ctx, &RecordModel{
			Container:     container,
			Path:          dir,
			Parent:        common.ParentPath(dir),
			Name:          common.BaseName(dir),
			RecordID:      uuid.NewString(),
			ContainerType: containerType,
			IsDir:         true,
			Mode:          DefaultDirPerm,
			Mtime:         now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Import copies src into the blob store and records it at p. The asset key
// is the blake3 hash of the content, so identical content shares a blob.
func (c *Catalog) Import(ctx context.Context, container, containerType, p string, src io.Reader, opts ImportOptions) (*cloud.Record, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return nil, common.ErrInvalidPath
	}

	assetKey, size, err := c.writeBlob(src)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode.Perm()
	if mode == 0 {
		mode = DefaultFilePerm
	}
	mtime := opts.MTime
	if mtime.IsZero() {
		mtime = time.Now()
	}
	rec := &RecordModel{
		Container:     container,
		Path:          p,
		Parent:        common.ParentPath(p),
		Name:          common.BaseName(p),
		RecordID:      uuid.NewString(),
		ContainerType: containerType,
		AssetKey:      assetKey,
		Size:          size,
		Mode:          int64(mode),
		Mtime:         mtime.Unix(),
		Streamed:      opts.Streamed,
	}

	err = util.Retry(ctx, func() error {
		return c.bunDB.DB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if parent := rec.Parent; parent != "" {
				if err := c.ensureDirs(ctx, tx, container, containerType, parent); err != nil {
					return err
				}
			}
			asset := &AssetModel{AssetKey: assetKey, Size: size, CreatedAt: time.Now().Unix()}
			if err := c.bunDB.insertAssetWith(tx, ctx, asset); err != nil {
				return err
			}
			return c.bunDB.upsertRecordWith(tx, ctx, rec)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", p, err)
	}

	log.Debugf("[Catalog] imported %s:%s asset=%s size=%d streamed=%v", container, p, assetKey, size, opts.Streamed)
	r := rec.ToRecord()
	return &r, nil
}

func (c *Catalog) writeBlob(src io.Reader) (string, int64, error) {
	tmp := filepath.Join(c.dir, BlobDirName, "tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob: %w", err)
	}
	h := blake3.New()
	size, err := io.Copy(io.MultiWriter(f, h), src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	key := hex.EncodeToString(h.Sum(nil))
	dst := c.BlobPath(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to store blob: %w", err)
	}
	return key, size, nil
}

// Remove deletes the record at p and everything below it. Blobs are kept.
func (c *Catalog) Remove(ctx context.Context, container, p string) (int64, error) {
	p = common.NormalizePath(p)
	if p == "" {
		return 0, common.ErrInvalidPath
	}
	return util.RetryWithResult(ctx, func() (int64, error) {
		return c.bunDB.DeleteRecord(ctx, container, p)
	})
}

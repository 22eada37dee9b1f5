package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Record Operations ---

// GetRecord retrieves the record at path in container. Returns nil, nil when
// no such record exists.
func (db *BunDB) GetRecord(ctx context.Context, container, path string) (*RecordModel, error) {
	return db.getRecordWith(db.DB, ctx, container, path)
}

func (db *BunDB) getRecordWith(idb bun.IDB, ctx context.Context, container, path string) (*RecordModel, error) {
	var rec RecordModel
	err := idb.NewSelect().
		Model(&rec).
		Where("container = ?", container).
		Where("path = ?", path).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecordByID retrieves a record by its record id.
func (db *BunDB) GetRecordByID(ctx context.Context, recordID string) (*RecordModel, error) {
	var rec RecordModel
	err := db.NewSelect().
		Model(&rec).
		Where("record_id = ?", recordID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns the direct children of parent, ordered by name.
func (db *BunDB) ListRecords(ctx context.Context, container, parent string) ([]RecordModel, error) {
	var recs []RecordModel
	err := db.NewSelect().
		Model(&recs).
		Where("container = ?", container).
		Where("parent = ?", parent).
		Order("name").
		Scan(ctx)
	return recs, err
}

// UpsertRecord inserts or replaces the record at (container, path).
func (db *BunDB) UpsertRecord(ctx context.Context, rec *RecordModel) error {
	return db.upsertRecordWith(db.DB, ctx, rec)
}

func (db *BunDB) upsertRecordWith(idb bun.IDB, ctx context.Context, rec *RecordModel) error {
	_, err := idb.NewInsert().
		Model(rec).
		On("CONFLICT (container, path) DO UPDATE").
		Set("record_id = EXCLUDED.record_id").
		Set("container_type = EXCLUDED.container_type").
		Set("asset_key = EXCLUDED.asset_key").
		Set("is_dir = EXCLUDED.is_dir").
		Set("size = EXCLUDED.size").
		Set("mode = EXCLUDED.mode").
		Set("mtime = EXCLUDED.mtime").
		Set("streamed = EXCLUDED.streamed").
		Exec(ctx)
	return err
}

// DeleteRecord deletes the record at path and everything below it.
func (db *BunDB) DeleteRecord(ctx context.Context, container, path string) (int64, error) {
	res, err := db.NewDelete().
		Model((*RecordModel)(nil)).
		Where("container = ?", container).
		WhereGroup(" AND ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
			return q.Where("path = ?", path).WhereOr("path LIKE ?", path+"/%")
		}).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Asset Operations ---

// GetAsset retrieves an asset row by key. Returns nil, nil when absent.
func (db *BunDB) GetAsset(ctx context.Context, assetKey string) (*AssetModel, error) {
	var asset AssetModel
	err := db.NewSelect().
		Model(&asset).
		Where("asset_key = ?", assetKey).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// InsertAsset records an asset blob. Re-inserting the same key is a no-op.
func (db *BunDB) InsertAsset(ctx context.Context, asset *AssetModel) error {
	return db.insertAssetWith(db.DB, ctx, asset)
}

func (db *BunDB) insertAssetWith(idb bun.IDB, ctx context.Context, asset *AssetModel) error {
	_, err := idb.NewInsert().
		Model(asset).
		On("CONFLICT (asset_key) DO NOTHING").
		Exec(ctx)
	return err
}

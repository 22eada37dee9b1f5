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

package storage

import (
	"os"
	"time"

	"github.com/uptrace/bun"

	"cloudfs/internal/cloud"
)

// Bun ORM models for catalog tables.

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// RecordModel represents the records table.
// Times are stored as Unix timestamps in the database.
type RecordModel struct {
	bun.BaseModel `bun:"table:records"`

	Container     string `bun:"container,pk"`
	Path          string `bun:"path,pk"`
	Parent        string `bun:"parent,notnull"`
	Name          string `bun:"name,notnull"`
	RecordID      string `bun:"record_id,notnull,unique"`
	ContainerType string `bun:"container_type,notnull"`
	AssetKey      string `bun:"asset_key,notnull"`
	IsDir         bool   `bun:"is_dir,notnull"`
	Size          int64  `bun:"size,notnull"`
	Mode          int64  `bun:"mode,notnull"`
	Mtime         int64  `bun:"mtime,notnull"`
	Streamed      bool   `bun:"streamed,notnull"`
}

// ToRecord converts a RecordModel to the provider-facing record.
func (m *RecordModel) ToRecord() cloud.Record {
	mode := os.FileMode(m.Mode).Perm()
	if m.IsDir {
		mode |= os.ModeDir
	}
	return cloud.Record{
		Name:     m.Name,
		Path:     m.Path,
		RecordID: m.RecordID,
		AssetKey: m.AssetKey,
		IsDir:    m.IsDir,
		Size:     m.Size,
		Mode:     mode,
		MTime:    time.Unix(m.Mtime, 0),
		Streamed: m.Streamed,
	}
}

// AssetModel represents the assets table
type AssetModel struct {
	bun.BaseModel `bun:"table:assets"`

	AssetKey  string `bun:"asset_key,pk"`
	Size      int64  `bun:"size,notnull"`
	CreatedAt int64  `bun:"created_at,notnull"` // Unix timestamp
}

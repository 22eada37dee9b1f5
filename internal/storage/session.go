package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"cloudfs/internal/cloud"
	"cloudfs/internal/util"
)

// readSession serves positioned reads of one catalog blob. When a staging
// path is given, InitSession also copies the whole blob there so a later
// open can materialize it.
type readSession struct {
	cat           *Catalog
	containerType string
	recordID      string
	assetKey      string
	staging       string

	mu     sync.Mutex
	blob   *os.File
	closed bool
}

// NewReadSession implements cloud.AssetProvider.
func (c *Catalog) NewReadSession(containerType, recordID, assetKey, localStagingPath string) cloud.ReadSession {
	if recordID == "" || assetKey == "" {
		log.Debugf("[Catalog] refusing session: record=%q asset=%q", recordID, assetKey)
		return nil
	}
	return &readSession{
		cat:           c,
		containerType: containerType,
		recordID:      recordID,
		assetKey:      assetKey,
		staging:       localStagingPath,
	}
}

func (s *readSession) InitSession() error {
	ctx := context.Background()
	rec, err := util.RetryWithResult(ctx, func() (*RecordModel, error) {
		return s.cat.bunDB.GetRecordByID(ctx, s.recordID)
	})
	if err != nil {
		return &cloud.Error{Kind: cloud.KindServer, Op: "init", Err: err}
	}
	if rec == nil {
		return cloud.Errorf(cloud.KindNotFound, "init", "record %s", s.recordID)
	}
	if rec.ContainerType != s.containerType || rec.AssetKey != s.assetKey {
		return cloud.Errorf(cloud.KindPrecondition, "init", "record %s does not match asset %s", s.recordID, s.assetKey)
	}

	asset, err := s.cat.bunDB.GetAsset(ctx, s.assetKey)
	if err != nil {
		return &cloud.Error{Kind: cloud.KindServer, Op: "init", Err: err}
	}
	if asset == nil {
		return cloud.Errorf(cloud.KindNotFound, "init", "asset %s", s.assetKey)
	}

	blob, err := os.Open(s.cat.BlobPath(s.assetKey))
	if err != nil {
		return &cloud.Error{Kind: cloud.KindServer, Op: "init", Err: err}
	}
	if info, err := blob.Stat(); err == nil && info.Size() != asset.Size {
		blob.Close()
		return cloud.Errorf(cloud.KindServer, "init", "asset %s is %d bytes, want %d", s.assetKey, info.Size(), asset.Size)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		blob.Close()
		return cloud.Errorf(cloud.KindPrecondition, "init", "session closed")
	}
	s.blob = blob
	s.mu.Unlock()

	if s.staging != "" {
		if err := s.stage(); err != nil {
			log.Warnf("[Catalog] staging %s failed: %v", s.staging, err)
		}
	}
	return nil
}

// stage copies the blob into the staging path through a temp file so a
// partially written staging file is never visible.
func (s *readSession) stage() error {
	if err := os.MkdirAll(filepath.Dir(s.staging), 0755); err != nil {
		return err
	}
	src, err := os.Open(s.cat.BlobPath(s.assetKey))
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := s.staging + ".tmp-" + uuid.NewString()
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.staging)
}

func (s *readSession) PRead(offset int64, size int, buf []byte) (int, error) {
	if size > len(buf) {
		return 0, cloud.Errorf(cloud.KindPrecondition, "pread", "size %d exceeds buffer %d", size, len(buf))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.blob == nil {
		return 0, cloud.Errorf(cloud.KindPrecondition, "pread", "session not open")
	}
	n, err := s.blob.ReadAt(buf[:size], offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, &cloud.Error{Kind: cloud.KindServer, Op: "pread", Err: err}
	}
	return n, nil
}

func (s *readSession) Close(keepStagingFile bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.blob != nil {
		s.blob.Close()
		s.blob = nil
	}
	if !keepStagingFile && s.staging != "" {
		if err := os.Remove(s.staging); err != nil && !os.IsNotExist(err) {
			log.Warnf("[Catalog] failed to drop staging file %s: %v", s.staging, err)
		}
	}
	return true
}

func (s *readSession) String() string {
	return fmt.Sprintf("session(%s/%s)", s.containerType, s.recordID)
}

package vfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"cloudfs/internal/cache"
	"cloudfs/internal/cloud"
	"cloudfs/internal/config"
	"cloudfs/internal/storage"
)

// MountConfig controls how a filesystem is attached to the kernel.
type MountConfig struct {
	AllowOther  bool
	Debug       bool
	MetricsAddr string // empty disables the metrics endpoint
}

// Server is a mounted filesystem.
type Server struct {
	fs      *FS
	fuse    *fuse.Server
	metrics *http.Server
}

// OptionsFromConfig builds filesystem options from a loaded config.
func OptionsFromConfig(cfg *config.Config, root *storage.Root, db cloud.Database, uid, gid uint32) Options {
	return Options{
		Root:         root,
		DB:           db,
		UID:          uid,
		GID:          gid,
		Bundles:      cfg.Bundles,
		Hide:         cfg.Hide,
		ReadTimeout:  cfg.ReadTimeout,
		ReadWorkers:  cfg.ReadWorkers,
		ReadAhead:    cfg.ReadAhead,
		EntryTimeout: cfg.EntryTimeout,
		AttrTimeout:  cfg.AttrTimeout,
		RecordCache:  cache.NewRecordCache(cfg.RecordCache.TTL, cfg.RecordCache.Size),
	}
}

// Mount attaches fs at mountpoint and starts serving requests. It returns
// once the kernel has completed the mount.
func Mount(fs *FS, mountpoint string, mc MountConfig) (*Server, error) {
	opts := &fuse.MountOptions{
		AllowOther:    mc.AllowOther,
		FsName:        "cloudfs",
		Name:          "cloudfs",
		MaxBackground: 64,
		Debug:         mc.Debug,
		Options:       []string{"default_permissions"},
	}
	srv, err := fuse.NewServer(fs, mountpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}

	s := &Server{fs: fs, fuse: srv}
	go srv.Serve()
	if err := srv.WaitMount(); err != nil {
		srv.Unmount()
		return nil, fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	log.Infof("[VFS] mounted at %s", mountpoint)

	if mc.MetricsAddr != "" {
		s.metrics = &http.Server{
			Addr:              mc.MetricsAddr,
			Handler:           fs.Metrics().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("[VFS] metrics endpoint %s: %v", mc.MetricsAddr, err)
			}
		}()
	}
	return s, nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	s.fuse.Wait()
	s.stopMetrics()
}

// Unmount detaches the filesystem.
func (s *Server) Unmount() error {
	err := s.fuse.Unmount()
	s.stopMetrics()
	return err
}

func (s *Server) stopMetrics() {
	if s.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.metrics.Shutdown(ctx)
}

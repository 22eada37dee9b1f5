package vfs

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"cloudfs/internal/storage"
)

// IgnoreFileName is read from the top of the storage root, if present, and
// merged with the configured hide patterns.
const IgnoreFileName = ".cloudfsignore"

// hideFilter decides which local entries are invisible through the mount.
type hideFilter struct {
	matcher *ignore.GitIgnore
}

// newHideFilter compiles patterns, in gitignore syntax, together with the
// ignore file found under rootDir.
func newHideFilter(rootDir string, patterns []string) *hideFilter {
	lines := append([]string(nil), patterns...)
	data, err := os.ReadFile(filepath.Join(rootDir, IgnoreFileName))
	switch {
	case err == nil:
		lines = append(lines, strings.Split(string(data), "\n")...)
	case !os.IsNotExist(err):
		log.Warnf("[VFS] reading %s: %v", IgnoreFileName, err)
	}
	if len(lines) == 0 {
		return &hideFilter{}
	}
	return &hideFilter{matcher: ignore.CompileIgnoreLines(lines...)}
}

// hidden reports whether the entry at key is filtered out.
func (f *hideFilter) hidden(key string, isDir bool) bool {
	// Always hide the staging area and the ignore file itself
	if key == storage.StagingDirName || strings.HasPrefix(key, storage.StagingDirName+"/") || key == IgnoreFileName {
		return true
	}
	if f == nil || f.matcher == nil {
		return false
	}
	if isDir {
		return f.matcher.MatchesPath(key + "/")
	}
	return f.matcher.MatchesPath(key)
}

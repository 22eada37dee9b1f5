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

package common

import (
	"path"
	"strings"
)

// Path keys are slash-separated, relative to the mount root, with no leading
// or trailing slash. The root itself is the empty key.

// NormalizePath cleans a path into key form.
func NormalizePath(p string) string {
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ChildKey derives the key of name inside the directory keyed by parent.
// Names containing a slash or equal to "." or ".." are rejected.
func ChildKey(parent, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return "", ErrInvalidPath
	}
	if parent == "" {
		return name, nil
	}
	return parent + "/" + name, nil
}

// ParentPath returns the parent directory of a path
func ParentPath(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	dir := path.Dir(p)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the base name of a path
func BaseName(p string) string {
	p = NormalizePath(p)
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// BundleOf splits a key into its first segment (the bundle name) and the
// remainder inside that bundle.
func BundleOf(key string) (bundle, rest string) {
	key = NormalizePath(key)
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Depth returns the number of segments in key. Root is 0, bundles are 1.
func Depth(key string) int {
	return len(SplitPath(key))
}

// IsWithin reports whether key equals prefix or lies below it.
func IsWithin(key, prefix string) bool {
	if prefix == "" {
		return true
	}
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// Rebase moves key from below oldPrefix to below newPrefix. The second
// return value is false when key is not within oldPrefix.
func Rebase(key, oldPrefix, newPrefix string) (string, bool) {
	if !IsWithin(key, oldPrefix) {
		return key, false
	}
	rest := strings.TrimPrefix(strings.TrimPrefix(key, oldPrefix), "/")
	return JoinPath(newPrefix, rest), true
}

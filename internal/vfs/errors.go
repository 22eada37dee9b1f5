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

package vfs

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"

	"cloudfs/internal/cloud"
	"cloudfs/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EPERM     = syscall.EPERM     // Operation not permitted
	EROFS     = syscall.EROFS     // Read-only file system
	ENOATTR   = syscall.ENODATA   // Attribute not found (xattr)
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
	ENOTCONN  = syscall.ENOTCONN  // Remote unreachable or timed out
	ESTALE    = syscall.ESTALE    // Handle no longer valid
	ENFILE    = syscall.ENFILE    // Handle window exhausted
	EINTR     = syscall.EINTR     // Request interrupted
	EXDEV     = syscall.EXDEV     // Cross-backend rename
)

// ErrBridgeTimeout is returned when a remote read does not complete within
// the read timeout. The worker may still finish later; its result is dropped.
var ErrBridgeTimeout = errors.New("remote read timed out")

// toErrno maps an error from any layer to the errno replied to the kernel.
// Remote error kinds take precedence over any OS error they wrap.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrBridgeTimeout) {
		return ENOTCONN
	}
	switch cloud.KindOf(err) {
	case cloud.KindTransport:
		return ENOTCONN
	case cloud.KindServer:
		return EIO
	case cloud.KindPrecondition:
		return EINVAL
	case cloud.KindNotFound:
		return ENOENT
	}

	switch {
	case errors.Is(err, common.ErrInvalidHandle), errors.Is(err, common.ErrStaleHandle):
		return ESTALE
	case errors.Is(err, common.ErrNoBundleSlot):
		return ENFILE
	case errors.Is(err, common.ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, common.ErrInvalidPath), errors.Is(err, common.ErrNoSession):
		return EINVAL
	case errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, common.ErrExists):
		return EEXIST
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	}
	return EIO
}

func toStatus(err error) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	return fuse.Status(toErrno(err))
}

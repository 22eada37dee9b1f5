package vfs

import "cloudfs/internal/common"

// backendNone is returned for nodes no backend claims. Operations reject it
// through their default arm.
const backendNone BackendKind = -1

// backendFor selects the backend serving operations on n itself.
func (fs *FS) backendFor(n *CacheNode) BackendKind {
	switch n.Layer() {
	case LayerRoot, LayerBundleRoot:
		return BackendLocal
	case LayerNested:
		// Nodes resolved through a cloud bundle carry their remote identity.
		if n.Cloud() != nil {
			return BackendCloud
		}
		return BackendLocal
	default:
		return backendNone
	}
}

// childBackend selects the backend that resolves, lists and creates the
// children of parent.
func (fs *FS) childBackend(parent *CacheNode) BackendKind {
	switch parent.Layer() {
	case LayerRoot:
		return BackendLocal
	case LayerBundleRoot:
		key, ok := fs.table.Key(parent)
		if ok && fs.isCloudBundle(key) {
			return BackendCloud
		}
		return BackendLocal
	case LayerNested:
		return fs.backendFor(parent)
	default:
		return backendNone
	}
}

// isCloudBundle reports whether a top-level name is bound to a container.
func (fs *FS) isCloudBundle(name string) bool {
	if fs.cloud == nil || name == "" {
		return false
	}
	bundle, rest := common.BundleOf(name)
	if rest != "" {
		return false
	}
	_, ok := fs.cloud.bundle(bundle)
	return ok
}

func (fs *FS) fetcher(kind BackendKind) FetchFunc {
	switch kind {
	case BackendLocal:
		return fs.local.fetch
	case BackendCloud:
		return fs.cloud.fetch
	default:
		return nil
	}
}

package vfs

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Handle is the kernel-visible node id of a cached entry.
type Handle uint64

// Handle space layout. Root is a single constant, bundle roots occupy a
// reserved window of fixed slots, and nested nodes live above NestedBase
// with a generation encoded in the high bits.
const (
	RootHandle Handle = fuse.FUSE_ROOT_ID

	bundleBase Handle = 2
	MaxBundles        = 1022
	NestedBase Handle = bundleBase + MaxBundles

	slotBits = 24
	slotMask = 1<<slotBits - 1
	maxSlots = 1 << slotBits
)

// Layer is the position of a node in the tree.
type Layer int

const (
	// LayerRoot is the mount root.
	LayerRoot Layer = iota
	// LayerBundleRoot is a first-level directory, one per container.
	LayerBundleRoot
	// LayerNested is everything deeper.
	LayerNested
)

func (l Layer) String() string {
	switch l {
	case LayerRoot:
		return "root"
	case LayerBundleRoot:
		return "bundle"
	case LayerNested:
		return "nested"
	default:
		return fmt.Sprintf("layer(%d)", int(l))
	}
}

// BackendKind selects the backend that serves a node.
type BackendKind int

const (
	BackendLocal BackendKind = iota
	BackendCloud
)

func (k BackendKind) String() string {
	switch k {
	case BackendLocal:
		return "local"
	case BackendCloud:
		return "cloud"
	default:
		return fmt.Sprintf("backend(%d)", int(k))
	}
}

// CloudIdentity addresses a remote record.
type CloudIdentity struct {
	Container     string
	ContainerType string
	RecordID      string
	AssetKey      string
	Streamed      bool
	MTime         time.Time
}

// NodeInfo is what a backend learns about a path when it resolves it.
type NodeInfo struct {
	Attr  fuse.Attr
	Cloud *CloudIdentity // nil for local-addressed nodes
}

// FetchFunc resolves the path key of a node about to be inserted or refreshed.
type FetchFunc func(key string) (NodeInfo, error)

// ForgetEntry is one (handle, count) pair of a batched forget.
type ForgetEntry struct {
	Handle Handle
	Count  uint64
}

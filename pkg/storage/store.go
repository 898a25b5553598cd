package storage

import (
	"encoding/hex"
	"time"

	"github.com/cuemby/backplane/pkg/types"
	"github.com/zeebo/blake3"
)

// ObjectID is the content address of an object: hex BLAKE3-256 of its bytes
type ObjectID string

// ComputeObjectID hashes data into its content address
func ComputeObjectID(data []byte) ObjectID {
	sum := blake3.Sum256(data)
	return ObjectID(hex.EncodeToString(sum[:]))
}

// Manifest is one immutable, tagged configuration object version
type Manifest struct {
	Key       types.ManifestKey  `json:"key"`
	Kind      types.ManifestKind `json:"kind"`
	Root      ObjectID           `json:"root"`
	Objects   []ObjectID         `json:"objects,omitempty"`
	Labels    map[string]string  `json:"labels,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// References returns every object the manifest points at
func (m *Manifest) References() []ObjectID {
	refs := make([]ObjectID, 0, len(m.Objects)+1)
	if m.Root != "" {
		refs = append(refs, m.Root)
	}
	return append(refs, m.Objects...)
}

// Reader gives read access to one instance group repository
type Reader interface {
	Group() string
	// ListManifestKeys returns every key whose name starts with prefix
	ListManifestKeys(prefix string) ([]types.ManifestKey, error)
	LoadManifest(key types.ManifestKey) (*Manifest, error)
	ReadObject(id ObjectID) ([]byte, error)
	// GetMeta returns a metadata value, or an errdefs.ErrNotFound error
	GetMeta(namespace, key string) ([]byte, error)
	ListMeta(namespace string) (map[string][]byte, error)
}

// Writer mutates one instance group repository
type Writer interface {
	Reader
	PutObject(data []byte) (ObjectID, error)
	PutManifest(m *Manifest) error
	DeleteManifest(key types.ManifestKey) error
	PutMeta(namespace, key string, value []byte) error
	DeleteMeta(namespace, key string) error
}

// Store holds the repositories of all instance groups
type Store interface {
	ListGroups() ([]string, error)
	HasGroup(name string) (bool, error)
	CreateGroup(name string) error
	DeleteGroup(name string) error

	// View returns a reader over committed state
	View(group string) (Reader, error)
	// Begin opens a transaction. Nothing is visible to other readers
	// until Commit.
	Begin(group string) (*Tx, error)

	Close() error
}

var (
	_ Store  = (*BoltStore)(nil)
	_ Writer = (*Tx)(nil)
)

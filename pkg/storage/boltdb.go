package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketGroups    = []byte("groups")
	bucketManifests = []byte("manifests")
	bucketObjects   = []byte("objects")
	bucketMeta      = []byte("meta")
)

// keySep separates name and tag in manifest bucket keys so that a prefix
// scan over names never matches into tags.
const keySep = "\x00"

var (
	zenc, _ = zstd.NewWriter(nil)
	zdec, _ = zstd.NewReader(nil)
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "backplane.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketGroups, err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ListGroups returns all instance group names
func (s *BoltStore) ListGroups() ([]string, error) {
	var groups []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEachBucket(func(k []byte) error {
			groups = append(groups, string(k))
			return nil
		})
	})
	sort.Strings(groups)
	return groups, err
}

// HasGroup reports whether the group repository exists
func (s *BoltStore) HasGroup(name string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketGroups).Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// CreateGroup creates an empty group repository. Creating an existing
// group is a no-op.
func (s *BoltStore) CreateGroup(name string) error {
	if name == "" {
		return fmt.Errorf("group name must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		g, err := tx.Bucket(bucketGroups).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		for _, b := range [][]byte{bucketManifests, bucketObjects, bucketMeta} {
			if _, err := g.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

// DeleteGroup removes a group repository and everything in it
func (s *BoltStore) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketGroups).DeleteBucket([]byte(name))
		if err == bolt.ErrBucketNotFound {
			return errdefs.NotFound("instance group %s not found", name)
		}
		return err
	})
}

// View returns a reader over committed state of the group
func (s *BoltStore) View(group string) (Reader, error) {
	ok, err := s.HasGroup(group)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFound("instance group %s not found", group)
	}
	return &boltReader{db: s.db, group: group}, nil
}

// Begin opens a transaction on the group
func (s *BoltStore) Begin(group string) (*Tx, error) {
	r, err := s.View(group)
	if err != nil {
		return nil, err
	}
	return newTx(r, func(cs *changeSet) error { return s.apply(group, cs) }), nil
}

// apply writes a change set in a single bolt transaction
func (s *BoltStore) apply(group string, cs *changeSet) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		g := tx.Bucket(bucketGroups).Bucket([]byte(group))
		if g == nil {
			return errdefs.NotFound("instance group %s not found", group)
		}

		objects := g.Bucket(bucketObjects)
		for id, data := range cs.objects {
			if objects.Get([]byte(id)) != nil {
				continue
			}
			if err := objects.Put([]byte(id), zenc.EncodeAll(data, nil)); err != nil {
				return err
			}
		}

		manifests := g.Bucket(bucketManifests)
		for _, ch := range cs.manifests {
			k := manifestBucketKey(ch.key)
			if ch.manifest == nil {
				if err := manifests.Delete(k); err != nil {
					return err
				}
				continue
			}
			data, err := codec.Marshal(ch.manifest)
			if err != nil {
				return err
			}
			if err := manifests.Put(k, data); err != nil {
				return err
			}
		}

		meta := g.Bucket(bucketMeta)
		for ns, values := range cs.meta {
			nsb, err := meta.CreateBucketIfNotExists([]byte(ns))
			if err != nil {
				return err
			}
			for key, value := range values {
				if value == nil {
					if err := nsb.Delete([]byte(key)); err != nil {
						return err
					}
					continue
				}
				if err := nsb.Put([]byte(key), value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func manifestBucketKey(k types.ManifestKey) []byte {
	return []byte(k.Name + keySep + k.Tag)
}

func parseManifestBucketKey(b []byte) types.ManifestKey {
	name, tag, _ := strings.Cut(string(b), keySep)
	return types.ManifestKey{Name: name, Tag: tag}
}

// boltReader reads committed state; every call is its own read transaction
type boltReader struct {
	db    *bolt.DB
	group string
}

func (r *boltReader) Group() string { return r.group }

func (r *boltReader) view(fn func(g *bolt.Bucket) error) error {
	return r.db.View(func(tx *bolt.Tx) error {
		g := tx.Bucket(bucketGroups).Bucket([]byte(r.group))
		if g == nil {
			return errdefs.NotFound("instance group %s not found", r.group)
		}
		return fn(g)
	})
}

func (r *boltReader) ListManifestKeys(prefix string) ([]types.ManifestKey, error) {
	var keys []types.ManifestKey
	err := r.view(func(g *bolt.Bucket) error {
		c := g.Bucket(bucketManifests).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, parseManifestBucketKey(k))
		}
		return nil
	})
	types.SortKeys(keys)
	return keys, err
}

func (r *boltReader) LoadManifest(key types.ManifestKey) (*Manifest, error) {
	var m Manifest
	err := r.view(func(g *bolt.Bucket) error {
		data := g.Bucket(bucketManifests).Get(manifestBucketKey(key))
		if data == nil {
			return errdefs.NotFound("manifest %s not found", key)
		}
		return codec.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *boltReader) ReadObject(id ObjectID) ([]byte, error) {
	var out []byte
	err := r.view(func(g *bolt.Bucket) error {
		data := g.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return errdefs.NotFound("object %s not found", id)
		}
		var err error
		out, err = zdec.DecodeAll(data, nil)
		return err
	})
	return out, err
}

func (r *boltReader) GetMeta(namespace, key string) ([]byte, error) {
	var out []byte
	err := r.view(func(g *bolt.Bucket) error {
		nsb := g.Bucket(bucketMeta).Bucket([]byte(namespace))
		if nsb == nil {
			return errdefs.NotFound("metadata %s/%s not found", namespace, key)
		}
		data := nsb.Get([]byte(key))
		if data == nil {
			return errdefs.NotFound("metadata %s/%s not found", namespace, key)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (r *boltReader) ListMeta(namespace string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := r.view(func(g *bolt.Bucket) error {
		nsb := g.Bucket(bucketMeta).Bucket([]byte(namespace))
		if nsb == nil {
			return nil
		}
		return nsb.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

package storage

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/types"
)

// ErrTxDone is returned by operations on a committed or rolled back Tx
var ErrTxDone = errors.New("transaction already finished")

type manifestChange struct {
	key      types.ManifestKey
	manifest *Manifest // nil marks a deletion
}

type changeSet struct {
	manifests map[string]manifestChange
	objects   map[ObjectID][]byte
	meta      map[string]map[string][]byte // nil value marks a deletion
}

// Tx stages writes against a group repository in memory and applies them
// atomically on Commit. Reads through a Tx observe its own staged writes.
// A Tx is safe for concurrent use so bulk operations can share one.
type Tx struct {
	mu      sync.Mutex
	base    Reader
	commit  func(*changeSet) error
	changes *changeSet
	done    bool
}

func newTx(base Reader, commit func(*changeSet) error) *Tx {
	return &Tx{
		base:   base,
		commit: commit,
		changes: &changeSet{
			manifests: make(map[string]manifestChange),
			objects:   make(map[ObjectID][]byte),
			meta:      make(map[string]map[string][]byte),
		},
	}
}

// Commit applies all staged changes. A Tx can only finish once.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.commit(t.changes)
}

// Rollback discards staged changes. Calling it after Commit is a no-op,
// so it is safe to defer.
func (t *Tx) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.changes = nil
}

// Update runs fn inside a transaction on group. The transaction commits
// when fn returns nil and rolls back on error or panic.
func Update(s Store, group string, fn func(tx *Tx) error) error {
	tx, err := s.Begin(group)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tx) Group() string { return t.base.Group() }

func (t *Tx) ListManifestKeys(prefix string) ([]types.ManifestKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}

	base, err := t.base.ListManifestKeys(prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(base))
	keys := make([]types.ManifestKey, 0, len(base))
	for _, k := range base {
		if ch, ok := t.changes.manifests[k.String()]; ok && ch.manifest == nil {
			continue
		}
		seen[k.String()] = true
		keys = append(keys, k)
	}
	for s, ch := range t.changes.manifests {
		if ch.manifest == nil || seen[s] || !strings.HasPrefix(ch.key.Name, prefix) {
			continue
		}
		keys = append(keys, ch.key)
	}
	types.SortKeys(keys)
	return keys, nil
}

func (t *Tx) LoadManifest(key types.ManifestKey) (*Manifest, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	if ch, ok := t.changes.manifests[key.String()]; ok {
		if ch.manifest == nil {
			return nil, errdefs.NotFound("manifest %s not found", key)
		}
		m := *ch.manifest
		return &m, nil
	}
	return t.base.LoadManifest(key)
}

func (t *Tx) ReadObject(id ObjectID) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	if data, ok := t.changes.objects[id]; ok {
		return append([]byte(nil), data...), nil
	}
	return t.base.ReadObject(id)
}

func (t *Tx) GetMeta(namespace, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	if values, ok := t.changes.meta[namespace]; ok {
		if value, ok := values[key]; ok {
			if value == nil {
				return nil, errdefs.NotFound("metadata %s/%s not found", namespace, key)
			}
			return append([]byte(nil), value...), nil
		}
	}
	return t.base.GetMeta(namespace, key)
}

func (t *Tx) ListMeta(namespace string) (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxDone
	}
	out, err := t.base.ListMeta(namespace)
	if err != nil {
		return nil, err
	}
	for key, value := range t.changes.meta[namespace] {
		if value == nil {
			delete(out, key)
			continue
		}
		out[key] = append([]byte(nil), value...)
	}
	return out, nil
}

func (t *Tx) PutObject(data []byte) (ObjectID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return "", ErrTxDone
	}
	id := ComputeObjectID(data)
	t.changes.objects[id] = append([]byte(nil), data...)
	return id, nil
}

func (t *Tx) PutManifest(m *Manifest) error {
	if m == nil || m.Key.Name == "" || m.Key.Tag == "" {
		return errors.New("manifest key must have name and tag")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	c := *m
	t.changes.manifests[m.Key.String()] = manifestChange{key: m.Key, manifest: &c}
	return nil
}

func (t *Tx) DeleteManifest(key types.ManifestKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.changes.manifests[key.String()] = manifestChange{key: key}
	return nil
}

func (t *Tx) PutMeta(namespace, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	return t.setMeta(namespace, key, v)
}

func (t *Tx) DeleteMeta(namespace, key string) error {
	return t.setMeta(namespace, key, nil)
}

func (t *Tx) setMeta(namespace, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	values, ok := t.changes.meta[namespace]
	if !ok {
		values = make(map[string][]byte)
		t.changes.meta[namespace] = values
	}
	values[key] = value
	return nil
}

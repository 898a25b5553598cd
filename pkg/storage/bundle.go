package storage

import (
	"fmt"

	"github.com/cuemby/backplane/pkg/types"
)

// Bundle carries manifests and the objects they reference between
// repositories. It is the unit of push and fetch.
type Bundle struct {
	Manifests []*Manifest         `json:"manifests"`
	Objects   map[ObjectID][]byte `json:"objects"`
}

// Keys returns the keys of all manifests in the bundle
func (b *Bundle) Keys() []types.ManifestKey {
	keys := make([]types.ManifestKey, 0, len(b.Manifests))
	for _, m := range b.Manifests {
		keys = append(keys, m.Key)
	}
	return keys
}

// Export collects keys and their objects from r. With withMeta the latest
// version of every metadata manifest attached to each key's name is
// included as well.
func Export(r Reader, keys []types.ManifestKey, withMeta bool) (*Bundle, error) {
	b := &Bundle{Objects: make(map[ObjectID][]byte)}
	seen := make(map[string]bool)

	add := func(k types.ManifestKey) error {
		if seen[k.String()] {
			return nil
		}
		seen[k.String()] = true
		m, err := r.LoadManifest(k)
		if err != nil {
			return err
		}
		b.Manifests = append(b.Manifests, m)
		for _, id := range m.References() {
			if _, ok := b.Objects[id]; ok {
				continue
			}
			data, err := r.ReadObject(id)
			if err != nil {
				return fmt.Errorf("manifest %s: %w", k, err)
			}
			b.Objects[id] = data
		}
		return nil
	}

	for _, k := range keys {
		if err := add(k); err != nil {
			return nil, err
		}
		if !withMeta {
			continue
		}
		meta, err := MetaKeys(r, k.Name)
		if err != nil {
			return nil, err
		}
		for _, mk := range meta {
			if err := add(mk); err != nil {
				return nil, err
			}
		}
	}
	return b, nil
}

// Import writes a bundle into w. Objects are verified against their
// content address before anything is written.
func Import(w Writer, b *Bundle) (types.TransferStats, error) {
	var stats types.TransferStats
	if b == nil {
		return stats, nil
	}

	for id, data := range b.Objects {
		if got := ComputeObjectID(data); got != id {
			return stats, fmt.Errorf("object %s is corrupt (hash %s)", id, got)
		}
	}
	for _, m := range b.Manifests {
		for _, id := range m.References() {
			if _, ok := b.Objects[id]; ok {
				continue
			}
			if _, err := w.ReadObject(id); err != nil {
				return stats, fmt.Errorf("manifest %s references missing object %s", m.Key, id)
			}
		}
	}

	for _, data := range b.Objects {
		if _, err := w.PutObject(data); err != nil {
			return stats, err
		}
		stats.Objects++
		stats.Bytes += int64(len(data))
	}
	for _, m := range b.Manifests {
		if err := w.PutManifest(m); err != nil {
			return stats, err
		}
		stats.Manifests++
	}
	return stats, nil
}

package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/types"
)

// PutDocument encodes v as the root object of a new manifest at key
func PutDocument(w Writer, key types.ManifestKey, kind types.ManifestKind, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	id, err := w.PutObject(data)
	if err != nil {
		return err
	}
	return w.PutManifest(&Manifest{
		Key:       key,
		Kind:      kind,
		Root:      id,
		CreatedAt: time.Now().UTC(),
	})
}

// PutNextDocument stores v under the next tag of name
func PutNextDocument(w Writer, name string, kind types.ManifestKind, v any) (types.ManifestKey, error) {
	tag, err := NextTag(w, name)
	if err != nil {
		return types.ManifestKey{}, err
	}
	key := types.ManifestKey{Name: name, Tag: tag}
	return key, PutDocument(w, key, kind, v)
}

// LoadDocument decodes the root object of the manifest at key into out
func LoadDocument(r Reader, key types.ManifestKey, out any) error {
	m, err := r.LoadManifest(key)
	if err != nil {
		return err
	}
	data, err := r.ReadObject(m.Root)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Versions returns all keys of exactly name, oldest first
func Versions(r Reader, name string) ([]types.ManifestKey, error) {
	keys, err := r.ListManifestKeys(name)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k.Name == name {
			out = append(out, k)
		}
	}
	return out, nil
}

// LatestKey returns the highest tag of name
func LatestKey(r Reader, name string) (types.ManifestKey, bool, error) {
	versions, err := Versions(r, name)
	if err != nil || len(versions) == 0 {
		return types.ManifestKey{}, false, err
	}
	return versions[len(versions)-1], true, nil
}

// NextTag returns the tag following the highest numeric tag of name
func NextTag(r Reader, name string) (string, error) {
	latest, ok, err := LatestKey(r, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "1", nil
	}
	n, err := strconv.ParseInt(latest.Tag, 10, 64)
	if err != nil {
		return "", fmt.Errorf("manifest %s has non-numeric tag", latest)
	}
	return strconv.FormatInt(n+1, 10), nil
}

// ListRoots returns all keys under prefix that are root manifests, i.e.
// neither metadata manifests nor nested below a root.
func ListRoots(r Reader, prefix string) ([]types.ManifestKey, error) {
	keys, err := r.ListManifestKeys(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]types.ManifestKey, 0, len(keys))
	for _, k := range keys {
		if strings.Contains(strings.TrimPrefix(k.Name, prefix), "/") {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// MetaKeys returns the latest version of every metadata manifest of root
func MetaKeys(r Reader, root string) ([]types.ManifestKey, error) {
	keys, err := r.ListManifestKeys(root + types.MetaInfix)
	if err != nil {
		return nil, err
	}
	return types.LatestPerName(keys), nil
}

// DeleteAll deletes every version of name and of its metadata manifests
func DeleteAll(w Writer, name string) ([]types.ManifestKey, error) {
	versions, err := Versions(w, name)
	if err != nil {
		return nil, err
	}
	meta, err := w.ListManifestKeys(name + types.MetaInfix)
	if err != nil {
		return nil, err
	}
	all := append(versions, meta...)
	for _, k := range all {
		if err := w.DeleteManifest(k); err != nil {
			return nil, err
		}
	}
	return all, nil
}

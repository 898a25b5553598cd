package registry

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// AssociationsNamespace is the metadata namespace of controlling-master
// associations
const AssociationsNamespace = "controlling-master"

// Association records which managed server controls a root manifest, and
// the tag that was current when it was last associated
type Association struct {
	Server string `json:"server"`
	Tag    string `json:"tag"`
}

// Key returns the associated manifest key of name
func (a Association) Key(name string) types.ManifestKey {
	return types.ManifestKey{Name: name, Tag: a.Tag}
}

// Associations stores controlling-master associations. Entries are keyed
// by manifest name so that every name has at most one controlling server.
type Associations struct{}

// NewAssociations creates an association store
func NewAssociations() *Associations {
	return &Associations{}
}

// Read returns the association of the manifest name
func (a *Associations) Read(r storage.Reader, name string) (Association, bool, error) {
	data, err := r.GetMeta(AssociationsNamespace, name)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return Association{}, false, nil
		}
		return Association{}, false, err
	}
	var assoc Association
	if err := codec.Unmarshal(data, &assoc); err != nil {
		return Association{}, false, errors.Wrapf(err, "failed to decode association of %s", name)
	}
	return assoc, true, nil
}

// Associate makes server the controlling master of key, replacing any
// previous owner of key's name
func (a *Associations) Associate(w storage.Writer, key types.ManifestKey, server string) error {
	data, err := codec.Marshal(Association{Server: server, Tag: key.Tag})
	if err != nil {
		return err
	}
	return w.PutMeta(AssociationsNamespace, key.Name, data)
}

// Clear removes the association of name
func (a *Associations) Clear(w storage.Writer, name string) error {
	return w.DeleteMeta(AssociationsNamespace, name)
}

// All returns every association by manifest name
func (a *Associations) All(r storage.Reader) (map[string]Association, error) {
	values, err := r.ListMeta(AssociationsNamespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Association, len(values))
	for name, data := range values {
		var assoc Association
		if err := codec.Unmarshal(data, &assoc); err != nil {
			return nil, errors.Wrapf(err, "failed to decode association of %s", name)
		}
		out[name] = assoc
	}
	return out, nil
}

// ControlledBy returns the associations owned by server whose name starts
// with prefix
func (a *Associations) ControlledBy(r storage.Reader, server, prefix string) (map[string]Association, error) {
	all, err := a.All(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Association)
	for name, assoc := range all {
		if assoc.Server == server && strings.HasPrefix(name, prefix) {
			out[name] = assoc
		}
	}
	return out, nil
}

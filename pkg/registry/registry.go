package registry

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/security"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// MastersNamespace is the metadata namespace of the managed server registry
const MastersNamespace = "managed-masters"

// Registry persists the managed servers attached to an instance group in
// the group's repository. Auth tokens are sealed on write and opened on
// read.
type Registry struct {
	sealer *security.TokenSealer
}

// New creates a Registry. A nil sealer stores tokens in the clear.
func New(sealer *security.TokenSealer) *Registry {
	return &Registry{sealer: sealer}
}

// Get loads the record of server
func (g *Registry) Get(r storage.Reader, server string) (*types.ManagedMasterRecord, error) {
	data, err := r.GetMeta(MastersNamespace, server)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil, errdefs.NotFound("managed server %s is not attached to instance group %s", server, r.Group())
		}
		return nil, err
	}
	return g.decode(data)
}

// Has reports whether server is attached
func (g *Registry) Has(r storage.Reader, server string) (bool, error) {
	_, err := r.GetMeta(MastersNamespace, server)
	if errors.Is(err, errdefs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// List returns all attached servers ordered by host name
func (g *Registry) List(r storage.Reader) ([]*types.ManagedMasterRecord, error) {
	values, err := r.ListMeta(MastersNamespace)
	if err != nil {
		return nil, err
	}
	out := make([]*types.ManagedMasterRecord, 0, len(values))
	for _, data := range values {
		rec, err := g.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostName < out[j].HostName })
	return out, nil
}

// Put writes rec, replacing any previous record of the same host name
func (g *Registry) Put(w storage.Writer, rec *types.ManagedMasterRecord) error {
	if rec == nil || rec.HostName == "" {
		return errors.New("managed server record requires a host name")
	}
	stored := rec.Clone()
	token, err := g.sealer.Seal(stored.AuthToken)
	if err != nil {
		return errors.Wrapf(err, "failed to seal token of %s", rec.HostName)
	}
	stored.AuthToken = token

	data, err := codec.Marshal(stored)
	if err != nil {
		return errors.Wrapf(err, "failed to encode record of %s", rec.HostName)
	}
	return w.PutMeta(MastersNamespace, rec.HostName, data)
}

// Delete removes the record of server
func (g *Registry) Delete(w storage.Writer, server string) error {
	ok, err := g.Has(w, server)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotFound("managed server %s is not attached to instance group %s", server, w.Group())
	}
	return w.DeleteMeta(MastersNamespace, server)
}

func (g *Registry) decode(data []byte) (*types.ManagedMasterRecord, error) {
	var rec types.ManagedMasterRecord
	if err := codec.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode managed server record")
	}
	token, err := g.sealer.Open(rec.AuthToken)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open token of %s", rec.HostName)
	}
	rec.AuthToken = token
	return &rec, nil
}

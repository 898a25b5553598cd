package manager

import (
	"context"

	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// ControllingServer returns the name of the server controlling instance
// id of group
func (m *Manager) ControllingServer(ctx context.Context, group, id string) (string, error) {
	rec, err := m.GetServerForInstance(ctx, group, id, "")
	if err != nil {
		return "", err
	}
	return rec.HostName, nil
}

// ClientForServer returns a client for an attached server
func (m *Manager) ClientForServer(ctx context.Context, group, server string) (remote.Client, error) {
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	r, err := m.store.View(group)
	if err != nil {
		return nil, err
	}
	_, client, err := m.clientFor(r, server)
	return client, err
}

// UpdateGroup runs fn in one transaction on group while holding its
// write lock
func (m *Manager) UpdateGroup(group string, fn func(tx *storage.Tx) error) error {
	if err := m.requireGroup(group); err != nil {
		return err
	}
	return m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, fn)
	})
}

// ForgetInstance deletes the local copy of instance id and its
// association
func (m *Manager) ForgetInstance(tx *storage.Tx, id string) error {
	name := types.InstanceManifestName(id)
	if _, err := storage.DeleteAll(tx, name); err != nil {
		return err
	}
	return m.assoc.Clear(tx, name)
}

package manager

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

func (m *Manager) validateDescriptor(desc types.ManagedMasterDescriptor) error {
	if err := m.validate.Struct(desc); err != nil {
		return errdefs.InvalidArgument(err, "managed server descriptor")
	}
	return nil
}

// TryAutoAttach attaches the managed server described by desc to group.
// The server is contacted first and must run in MANAGED mode. If it does
// not know the group yet, the group is created there and its descriptor
// pushed; otherwise the server is synchronized right away. The attachment
// is kept even if that initial synchronization fails.
func (m *Manager) TryAutoAttach(ctx context.Context, group string, desc types.ManagedMasterDescriptor) (*types.ManagedMasterRecord, error) {
	if err := m.validateDescriptor(desc); err != nil {
		return nil, err
	}
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}

	logger := log.WithServer(group, desc.HostName)
	var existed bool
	var attached *types.ManagedMasterRecord
	err := m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			if err := m.checkCollision(tx, group, desc.HostName); err != nil {
				return err
			}

			rec := types.NewManagedMasterRecord(desc)
			client, err := m.remotes.ClientFor(rec)
			if err != nil {
				return err
			}
			info, err := client.BackendInfo(ctx)
			if err != nil {
				return err
			}
			if info.Mode != types.ModeManaged {
				return errdefs.ServerStateConflict("server %s runs in %s mode, only %s servers can be attached",
					desc.HostName, info.Mode, types.ModeManaged)
			}
			if info.ConnectionCheckFailed {
				return errdefs.ServiceUnavailable("server %s reports a failed connection check", desc.HostName)
			}
			rec.Update = &types.UpdateInfo{RunningVersion: info.Version}

			existed, err = client.GroupExists(ctx, group)
			if err != nil {
				return err
			}
			if !existed {
				if err := client.CreateGroup(ctx, group); err != nil {
					return errors.Wrapf(err, "failed to create instance group on %s", desc.HostName)
				}
				if err := m.pushGroupManifests(ctx, tx, client, group); err != nil {
					return errors.Wrapf(err, "failed to push instance group to %s", desc.HostName)
				}
			}

			attached = rec
			return m.registry.Put(tx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info().Bool("group_existed", existed).Msg("Managed server attached")
	m.publish(&events.Event{Type: events.EventServerAttached, Group: group, Server: desc.HostName})
	m.publish(&events.Event{Type: events.EventGroupServersChanged, Group: group, Server: desc.HostName})

	if !existed {
		return attached.Redacted(), nil
	}
	res, err := m.Synchronize(ctx, group, desc.HostName)
	if err != nil {
		return attached.Redacted(), errors.Wrapf(err, "server %s attached but initial synchronization failed", desc.HostName)
	}
	return res.Server, nil
}

// ManualAttach records the managed server described by desc without
// contacting it. The server's group must be set up out of band.
func (m *Manager) ManualAttach(ctx context.Context, group string, desc types.ManagedMasterDescriptor) (*types.ManagedMasterRecord, error) {
	if err := m.validateDescriptor(desc); err != nil {
		return nil, err
	}
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}

	rec := types.NewManagedMasterRecord(desc)
	err := m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			if err := m.checkCollision(tx, group, desc.HostName); err != nil {
				return err
			}
			return m.registry.Put(tx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	logger := log.WithServer(group, desc.HostName)
	logger.Info().Msg("Managed server attached manually")
	m.publish(&events.Event{Type: events.EventServerAttached, Group: group, Server: desc.HostName})
	m.publish(&events.Event{Type: events.EventGroupServersChanged, Group: group, Server: desc.HostName})
	return rec.Redacted(), nil
}

func (m *Manager) checkCollision(r storage.Reader, group, server string) error {
	exists, err := m.registry.Has(r, server)
	if err != nil {
		return err
	}
	if exists {
		return errdefs.Conflict("managed server %s is already attached to %s", server, group)
	}
	return nil
}

// DeleteManagedServer detaches server from group. It fails with a
// conflict while anything the server controls is still stored here.
func (m *Manager) DeleteManagedServer(ctx context.Context, group, server string) error {
	if err := m.requireCentral(); err != nil {
		return err
	}
	if err := m.requireGroup(group); err != nil {
		return err
	}

	err := m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			if _, err := m.registry.Get(tx, server); err != nil {
				return err
			}

			controlled, err := m.assoc.ControlledBy(tx, server, "")
			if err != nil {
				return err
			}
			var remaining []string
			for _, name := range sortedNames(controlled) {
				versions, err := storage.Versions(tx, name)
				if err != nil {
					return err
				}
				if len(versions) > 0 {
					remaining = append(remaining, name)
				}
			}
			if len(remaining) > 0 {
				return errdefs.Conflict("managed server %s still controls %d instances or systems (%s)",
					server, len(remaining), remaining[0])
			}

			// only associations whose manifests are already gone are left
			for name := range controlled {
				if err := m.assoc.Clear(tx, name); err != nil {
					return err
				}
			}
			return m.registry.Delete(tx, server)
		})
	})
	if err != nil {
		return err
	}

	logger := log.WithServer(group, server)
	logger.Info().Msg("Managed server detached")
	m.publish(&events.Event{Type: events.EventServerDetached, Group: group, Server: server})
	m.publish(&events.Event{Type: events.EventGroupServersChanged, Group: group, Server: server})
	return nil
}

// UpdateManagedServer changes the description, URI or auth token of an
// attached server. With verify the server is contacted with the new
// details before anything is stored.
func (m *Manager) UpdateManagedServer(ctx context.Context, group, server string, upd types.ManagedMasterUpdate, verify bool) (*types.ManagedMasterRecord, error) {
	if err := m.validate.Struct(upd); err != nil {
		return nil, errdefs.InvalidArgument(err, "managed server update")
	}
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}

	var updated *types.ManagedMasterRecord
	err := m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			rec, err := m.registry.Get(tx, server)
			if err != nil {
				return err
			}
			if upd.Description != nil {
				rec.Description = *upd.Description
			}
			if upd.URI != nil {
				rec.URI = *upd.URI
			}
			if upd.AuthToken != nil {
				rec.AuthToken = *upd.AuthToken
			}

			if verify {
				client, err := m.remotes.ClientFor(rec)
				if err != nil {
					return err
				}
				info, err := client.BackendInfo(ctx)
				if err != nil {
					return err
				}
				if info.Mode != types.ModeManaged {
					return errdefs.ServerStateConflict("server %s runs in %s mode, expected %s", server, info.Mode, types.ModeManaged)
				}
			}

			updated = rec
			return m.registry.Put(tx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	m.publish(&events.Event{Type: events.EventGroupServersChanged, Group: group, Server: server})
	return updated.Redacted(), nil
}

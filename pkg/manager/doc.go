/*
Package manager implements the central side of managed-server
synchronization.

A central backplane mirrors the instances and systems that a fleet of
managed servers own. Each managed server is attached to an instance group
and recorded in that group's registry; every instance or system fetched
from it is associated with it as its controlling master. The managed
server stays authoritative: central only ever adds what it is missing and
removes what its controlling server no longer has.

# Synchronize

	Synchronize(ctx, group, server)
	  │
	  ├─ tasksync: concurrent calls for the same group/server share one run
	  ├─ lock: group write lock
	  └─ storage.Tx (in-memory overlay, one bolt Update on commit)
	       1  backend info       mode must be MANAGED, connection check ok
	       2  update detection   a forced update skips 3-9
	       3  action bridge      best effort
	       4  group metadata     group must exist remotely, push descriptor
	       5  overall status     best effort
	       6  fetch              keys-only listing, legacy listing fallback
	       7  reconcile          remove stale, re-associate latest
	       8  property sync      best effort
	       9  LastSync = now
	      10  node status        best effort, always
	      11  product updates    best effort, always
	      12  persist record, commit, notify

Hard failures roll the transaction back, so the registry keeps the result
of the last successful synchronization. Best-effort steps that fail are
reported in SyncResult.SoftErrors instead. Losing the server in the middle
of a best-effort step is still a hard failure.

# Modes

Decisions that depend on the process mode live in one table in mode.go.
Only a CENTRAL manager attaches and synchronizes servers and publishes
change notifications.

# Usage

	m, err := manager.NewManager(&manager.Config{
		Version: "1.4.0",
		Store:   store,
		Remotes: remote.NewHTTPFactory(30 * time.Second),
		Events:  broker,
	})
	rec, err := m.TryAutoAttach(ctx, "acme", types.ManagedMasterDescriptor{
		HostName: "site-1",
		URI:      "https://site-1.example.com",
	})
	res, err := m.Synchronize(ctx, "acme", "site-1")
*/
package manager

/*
Package types defines the core data structures used throughout the backplane.

The types describe configuration objects stored in instance group
repositories, the central server's records of attached managed servers, and
the values exchanged with managed servers during synchronization.

# Architecture

Every configuration object is a manifest identified by a ManifestKey. The
tag of a key is a monotonically increasing integer per name and is compared
numerically (CompareTags), never lexicographically:

	instances/<id>:1  instances/<id>:2  instances/<id>:10   (10 is latest)

Manifest names follow a fixed layout inside a group repository:

	instances/<id>              instance root (InstanceConfiguration)
	instances/<id>/meta/state   last known overall state (InstanceOverallState)
	systems/<id>                system root (SystemConfiguration)
	group/descriptor            InstanceGroupConfiguration
	group/attributes            InstanceGroupAttributes
	products/<name>             ProductKey

# Core Types

Fleet bookkeeping:
  - ManagedMasterRecord: one attached managed server (uri, token, minions,
    last sync, update info, product update flags)
  - ManagedMasterDescriptor: attach payload
  - UpdateInfo: software update availability of a managed server

Synchronization:
  - SyncResult: outcome of one synchronize call, including soft errors
  - SoftError: a best-effort step that degraded instead of aborting
  - TransferStats: counts of a push or fetch

# Usage

	rec := types.NewManagedMasterRecord(types.ManagedMasterDescriptor{
		HostName: "site-1",
		URI:      "https://site-1.example.com/api",
	})
	public := rec.Redacted() // never expose AuthToken

# Thread Safety

Values in this package carry no synchronization. Callers that share a
ManagedMasterRecord across goroutines should Clone it first.
*/
package types

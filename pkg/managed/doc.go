/*
Package managed implements the managed server side of synchronization.

A managed server owns the instances and systems it runs. Backend exposes
its repository to central nodes: backend info and node status for the
liveness check, instance and system listings, bundle export and import
for fetch and push, attribute merging, product listing, lifecycle actions
and update packages. Handler serves Backend below /api/v1/managed using
gorilla/mux; package remote is the matching client.

Lifecycle actions do not control processes. They record the requested
state as the instance's "state" meta manifest, which the central node picks
up on its next synchronize.

LegacyOnly makes the backend refuse the keys-only instance listing with
errdefs.ErrVersionIncompatible, the way servers from before that call
answer.
*/
package managed

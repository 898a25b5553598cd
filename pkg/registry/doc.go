/*
Package registry keeps the bookkeeping of a central node inside each
instance group repository.

Registry holds one ManagedMasterRecord per attached managed server in the
"managed-masters" metadata namespace, keyed by host name. Associations
maps instance and system root manifest names to the server that controls
them in the "controlling-master" namespace. Keying associations by name
rather than by full manifest key means a name can never have two owners;
the stored tag records which version was current when ownership was last
confirmed.

Both types operate on storage.Reader/Writer, so reads and writes made
during a synchronize go through its transaction and become visible
atomically on commit.
*/
package registry

/*
Package events provides change notifications for instance groups.

The Broker is an in-memory pub/sub hub: publishers hand events to a
buffered channel, a single goroutine fans them out to subscriber channels,
and slow subscribers miss events rather than block the publisher.

	manager ──Publish──▶ Broker ──▶ Subscriber (API watchers)
	                        └────▶ Forwarder ──▶ NATS backplane.events.<type>

The synchronization engine publishes instance.removed and system.removed
for every manifest a sync dropped, and one group.servers-changed per
completed sync, attach or detach, always after the repository transaction
committed.

ActionBridge is the hook telling other subsystems that a sync started. Only
central nodes wire a BrokerBridge; every other mode gets NoopBridge.

Recorder and Discard are Publisher implementations for tests and for nodes
without subscribers.
*/
package events

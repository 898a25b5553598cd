package events

import "context"

// ActionBridge tells other subsystems that work against a managed server
// has started. Only central nodes have one; other modes use NoopBridge.
type ActionBridge interface {
	SyncStarted(ctx context.Context, group, server string) error
}

// NoopBridge ignores all notifications
type NoopBridge struct{}

func (NoopBridge) SyncStarted(context.Context, string, string) error { return nil }

// BrokerBridge reports bridge notifications as events
type BrokerBridge struct {
	pub Publisher
}

// NewBrokerBridge creates a bridge publishing to pub
func NewBrokerBridge(pub Publisher) *BrokerBridge {
	return &BrokerBridge{pub: pub}
}

func (b *BrokerBridge) SyncStarted(ctx context.Context, group, server string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.pub.Publish(&Event{Type: EventSyncStarted, Group: group, Server: server})
	return nil
}

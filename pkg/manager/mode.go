package manager

import (
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/types"
)

// modeStrategy holds every decision that depends on the mode this process
// runs in
type modeStrategy struct {
	// attach allows attaching and synchronizing managed servers
	attach bool
	// lockReads makes listings take the group read lock
	lockReads bool
	// notify fans change notifications out to the publisher
	notify bool
	// bridge builds the action bridge told about synchronizations
	bridge func(pub events.Publisher) events.ActionBridge
}

func noopBridge(events.Publisher) events.ActionBridge { return events.NoopBridge{} }

func brokerBridge(pub events.Publisher) events.ActionBridge { return events.NewBrokerBridge(pub) }

var modeStrategies = map[types.Mode]modeStrategy{
	types.ModeCentral:    {attach: true, lockReads: true, notify: true, bridge: brokerBridge},
	types.ModeManaged:    {bridge: noopBridge},
	types.ModeStandalone: {lockReads: true, bridge: noopBridge},
	types.ModeNode:       {bridge: noopBridge},
}

func strategyFor(mode types.Mode) (modeStrategy, error) {
	s, ok := modeStrategies[mode]
	if !ok {
		return modeStrategy{}, errdefs.ServerStateConflict("unsupported mode %q", mode)
	}
	return s, nil
}

func (m *Manager) requireCentral() error {
	if !m.strategy.attach {
		return errdefs.ServerStateConflict("managed servers can only be administered in %s mode, this server runs in %s mode",
			types.ModeCentral, m.mode)
	}
	return nil
}

func (m *Manager) publish(e *events.Event) {
	if m.strategy.notify {
		m.events.Publish(e)
	}
}

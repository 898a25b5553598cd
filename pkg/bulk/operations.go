package bulk

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/rs/zerolog"
)

// Engine is what bulk operations need from the synchronization engine.
// The manager implements it.
type Engine interface {
	ControllingServer(ctx context.Context, group, id string) (string, error)
	ClientForServer(ctx context.Context, group, server string) (remote.Client, error)
	UpdateGroup(group string, fn func(tx *storage.Tx) error) error
	ForgetInstance(tx *storage.Tx, id string) error
	Synchronize(ctx context.Context, group, server string) (*types.SyncResult, error)
}

// Report is the outcome of a bulk operation
type Report struct {
	Action   types.InstanceAction `json:"action"`
	Outcomes []Outcome            `json:"outcomes"`
	// Synchronized lists the servers synchronized afterwards
	Synchronized []string `json:"synchronized,omitempty"`
	// SyncErrors holds the synchronization failures by server
	SyncErrors map[string]string `json:"syncErrors,omitempty"`
}

// Failed returns the outcomes that did not succeed
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Operations performs instance lifecycle actions across the managed
// servers controlling them
type Operations struct {
	engine Engine
	runner *Runner
	events events.Publisher
	logger zerolog.Logger
}

// NewOperations creates bulk operations over engine
func NewOperations(engine Engine, runner *Runner, pub events.Publisher) *Operations {
	if runner == nil {
		runner = NewRunner(DefaultParallelism)
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Operations{engine: engine, runner: runner, events: pub, logger: log.WithComponent("bulk")}
}

// Start starts the given instances
func (o *Operations) Start(ctx context.Context, group string, ids []string) (*Report, error) {
	return o.Do(ctx, group, types.ActionStart, ids)
}

// Stop stops the given instances
func (o *Operations) Stop(ctx context.Context, group string, ids []string) (*Report, error) {
	return o.Do(ctx, group, types.ActionStop, ids)
}

// Install installs the given instances
func (o *Operations) Install(ctx context.Context, group string, ids []string) (*Report, error) {
	return o.Do(ctx, group, types.ActionInstall, ids)
}

// Activate activates the given instances
func (o *Operations) Activate(ctx context.Context, group string, ids []string) (*Report, error) {
	return o.Do(ctx, group, types.ActionActivate, ids)
}

// Delete deletes the given instances on their servers and here
func (o *Operations) Delete(ctx context.Context, group string, ids []string) (*Report, error) {
	return o.Do(ctx, group, types.ActionDelete, ids)
}

// Do runs action on every instance of ids. Every instance is handled by
// the server controlling it; local deletions share one transaction.
// Afterwards every server with at least one successful call is
// synchronized exactly once.
func (o *Operations) Do(ctx context.Context, group string, action types.InstanceAction, ids []string) (*Report, error) {
	report := &Report{Action: action}

	// owners are resolved before the group lock is taken; the lookup
	// takes the read lock itself
	owners := make(map[string]string, len(ids))
	unresolved := make(map[string]error)
	for _, id := range ids {
		server, err := o.engine.ControllingServer(ctx, group, id)
		if err != nil {
			unresolved[id] = err
			continue
		}
		owners[id] = server
	}

	var mu sync.Mutex
	touched := make(map[string]bool)

	err := o.engine.UpdateGroup(group, func(tx *storage.Tx) error {
		report.Outcomes = o.runner.Run(ctx, ids, func(ctx context.Context, id string) error {
			if err := unresolved[id]; err != nil {
				return err
			}
			server := owners[id]
			client, err := o.engine.ClientForServer(ctx, group, server)
			if err != nil {
				return err
			}
			if action == types.ActionDelete {
				err = client.DeleteInstance(ctx, group, id)
			} else {
				err = client.InstanceAction(ctx, group, id, action)
			}
			if err != nil {
				return err
			}
			if action == types.ActionDelete {
				if err := o.engine.ForgetInstance(tx, id); err != nil {
					return err
				}
			}

			mu.Lock()
			touched[server] = true
			mu.Unlock()
			o.events.Publish(&events.Event{
				Type:     events.EventInstanceActionIssued,
				Group:    group,
				Server:   server,
				Key:      types.InstanceManifestName(id),
				Metadata: map[string]string{"action": string(action)},
			})
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, outcome := range report.Outcomes {
		metrics.BulkOperationsTotal.WithLabelValues(string(action), outcomeLabel(outcome)).Inc()
	}

	servers := make([]string, 0, len(touched))
	for s := range touched {
		servers = append(servers, s)
	}
	sort.Strings(servers)
	for _, server := range servers {
		if _, err := o.engine.Synchronize(ctx, group, server); err != nil {
			if report.SyncErrors == nil {
				report.SyncErrors = make(map[string]string)
			}
			report.SyncErrors[server] = err.Error()
			o.logger.Warn().Err(err).Str("group", group).Str("server", server).Msg("Synchronization after bulk operation failed")
			continue
		}
		report.Synchronized = append(report.Synchronized, server)
	}

	o.logger.Info().
		Str("group", group).
		Str("action", string(action)).
		Int("instances", len(ids)).
		Int("failed", len(report.Failed())).
		Msg("Bulk operation complete")
	return report, nil
}

func outcomeLabel(o Outcome) string {
	if o.OK() {
		return "ok"
	}
	return o.Kind
}

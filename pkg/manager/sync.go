package manager

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/tasksync"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/cuemby/backplane/pkg/version"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Soft error step names
const (
	StepUpdateDetection = "update-detection"
	StepActionBridge    = "action-bridge"
	StepOverallStatus   = "overall-status"
	StepPropertySync    = "property-sync"
	StepNodeStatus      = "node-status"
	StepProductUpdates  = "product-updates"
)

// syncKey identifies one (group, server) pair. Neither group names nor
// host names may contain a slash.
func syncKey(group, server string) string {
	return "sync-" + group + "/" + server
}

// Synchronize brings the central copy of group in line with what server
// holds. Concurrent calls for the same group and server share a single
// execution and all receive its result.
func (m *Manager) Synchronize(ctx context.Context, group, server string) (*types.SyncResult, error) {
	if err := m.requireCentral(); err != nil {
		return nil, err
	}
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}

	res, joined, err := tasksync.Do(m.tasks, syncKey(group, server), func() (*types.SyncResult, error) {
		var res *types.SyncResult
		err := m.locks.WithWrite(group, func() error {
			var err error
			res, err = m.synchronizeLocked(ctx, group, server)
			return err
		})
		return res, err
	})
	if joined {
		metrics.SyncCoalesced.Inc()
	}
	return res, err
}

// syncRun carries the state of one synchronize. The group write lock is
// held for its whole lifetime.
type syncRun struct {
	m      *Manager
	group  string
	server string
	tx     *storage.Tx
	client remote.Client
	rec    *types.ManagedMasterRecord
	result *types.SyncResult
	logger zerolog.Logger

	removed []events.Event
}

func (m *Manager) synchronizeLocked(ctx context.Context, group, server string) (res *types.SyncResult, err error) {
	timer := metrics.NewTimer()
	ctx, span := m.tracer.Start(ctx, "synchronize", trace.WithAttributes(
		attribute.String("group", group),
		attribute.String("server", server),
	))
	logger := log.WithServer(group, server)
	defer func() {
		timer.ObserveDuration(metrics.SyncDuration)
		metrics.SyncTotal.WithLabelValues(errdefs.Kind(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error().Err(err).Dur("duration", timer.Duration()).Msg("Synchronization failed")
		}
		span.End()
	}()

	tx, err := m.store.Begin(group)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := m.registry.Get(tx, server)
	if err != nil {
		return nil, err
	}
	client, err := m.remotes.ClientFor(rec)
	if err != nil {
		return nil, err
	}

	s := &syncRun{
		m:      m,
		group:  group,
		server: server,
		tx:     tx,
		client: client,
		rec:    rec,
		result: &types.SyncResult{States: make(map[string]types.InstanceOverallState)},
		logger: logger,
	}
	if err := s.run(ctx); err != nil {
		return nil, err
	}

	if err := m.registry.Put(tx, s.rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit synchronization of %s", server)
	}

	for i := range s.removed {
		m.publish(&s.removed[i])
	}
	m.publish(&events.Event{Type: events.EventGroupServersChanged, Group: group, Server: server})

	s.result.Server = s.rec.Redacted()
	logger.Info().
		Int("instances", len(s.result.Instances)).
		Int("systems", len(s.result.Systems)).
		Int("removed", len(s.result.Removed)+len(s.result.RemovedSystems)).
		Bool("forced", s.result.Forced).
		Int("soft_errors", len(s.result.SoftErrors)).
		Dur("duration", timer.Duration()).
		Msg("Synchronized managed server")
	return s.result, nil
}

// run executes the synchronization steps in order. Any returned error is
// hard and aborts the transaction.
func (s *syncRun) run(ctx context.Context) error {
	info, err := s.backendInfo(ctx)
	if err != nil {
		return err
	}
	if info.Mode != types.ModeManaged {
		return errdefs.ServerStateConflict("server %s runs in %s mode, expected %s", s.server, info.Mode, types.ModeManaged)
	}
	if info.ConnectionCheckFailed {
		return errdefs.ServiceUnavailable("server %s reports a failed connection check", s.server)
	}

	if s.detectUpdate(ctx, info.Version) {
		s.result.Forced = true
		s.logger.Warn().Str("version", info.Version).Msg("Managed server requires an update, skipping content synchronization")
	} else {
		if err := s.syncContent(ctx); err != nil {
			return err
		}
		s.rec.LastSync = s.m.clock.Now().UTC()
	}

	s.refreshNodes(ctx)
	s.compareProducts(ctx)
	return s.collectStates()
}

func (s *syncRun) syncContent(ctx context.Context) error {
	if err := s.m.bridge.SyncStarted(ctx, s.group, s.server); err != nil {
		s.soft(StepActionBridge, err)
	}
	if err := s.syncGroupMetadata(ctx); err != nil {
		return err
	}
	if err := s.client.UpdateOverallStatus(ctx, s.group); err != nil {
		if !isSoftable(err) {
			return err
		}
		s.soft(StepOverallStatus, err)
	}

	instances, systems, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	if err := s.reconcile(instances, systems); err != nil {
		return err
	}

	if err := s.syncProperties(ctx); err != nil {
		if !isSoftable(err) {
			return err
		}
		s.soft(StepPropertySync, err)
	}
	return nil
}

// isSoftable reports whether a failed best-effort step may be recorded
// and skipped. Losing the peer mid-step is not.
func isSoftable(err error) bool {
	return !errors.Is(err, errdefs.ErrUpstreamUnreachable)
}

func (s *syncRun) soft(step string, err error) {
	s.result.AddSoftError(step, err)
	metrics.SoftErrors.WithLabelValues(step).Inc()
	s.logger.Warn().Err(err).Str("step", step).Msg("Synchronization step degraded")
}

func (s *syncRun) backendInfo(ctx context.Context) (types.BackendInfo, error) {
	ctx, span := s.m.tracer.Start(ctx, "backend-info")
	defer span.End()
	info, err := s.client.BackendInfo(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return info, err
	}
	span.SetAttributes(attribute.String("mode", string(info.Mode)), attribute.String("version", info.Version))
	return info, nil
}

// detectUpdate fills the record's update info and reports whether the
// server is too old to synchronize content with
func (s *syncRun) detectUpdate(ctx context.Context, remoteVersion string) bool {
	upd := &types.UpdateInfo{RunningVersion: remoteVersion}
	s.rec.Update = upd
	if s.m.version == "" {
		return false
	}

	st, err := s.m.detector.Detect(s.m.version, remoteVersion)
	if err != nil {
		s.soft(StepUpdateDetection, err)
		return false
	}
	upd.UpdateAvailable = st.Available
	upd.ForceUpdate = st.Force
	if st.Available {
		upd.UpdateVersion = s.m.version
		if err := s.m.planPackages(ctx, s.client, upd); err != nil {
			s.soft(StepUpdateDetection, err)
		}
	}
	return st.Force
}

// planPackages splits the update packages of upd.UpdateVersion held
// locally into those the remote still needs and those it already has
func (m *Manager) planPackages(ctx context.Context, client remote.Client, upd *types.UpdateInfo) error {
	upd.PackagesToTransfer, upd.PackagesToInstall = nil, nil

	local, err := m.localPackages(upd.UpdateVersion)
	if err != nil || len(local) == 0 {
		return err
	}
	remoteKeys, err := client.ListUpdatePackages(ctx)
	if err != nil {
		return err
	}
	present := make(map[types.ManifestKey]bool, len(remoteKeys))
	for _, k := range remoteKeys {
		present[k] = true
	}
	for _, k := range local {
		if present[k] {
			upd.PackagesToInstall = append(upd.PackagesToInstall, k)
		} else {
			upd.PackagesToTransfer = append(upd.PackagesToTransfer, k)
		}
	}
	return nil
}

// localPackages lists the update packages of version held in the
// software group
func (m *Manager) localPackages(v string) ([]types.ManifestKey, error) {
	ok, err := m.store.HasGroup(types.SoftwareGroup)
	if err != nil || !ok {
		return nil, err
	}
	r, err := m.store.View(types.SoftwareGroup)
	if err != nil {
		return nil, err
	}
	keys, err := r.ListManifestKeys(types.SoftwarePrefix)
	if err != nil {
		return nil, err
	}
	var out []types.ManifestKey
	for _, k := range keys {
		if k.Tag == v {
			out = append(out, k)
		}
	}
	return out, nil
}

// syncGroupMetadata pushes the group descriptor and attributes. The group
// must already exist on the managed server.
func (s *syncRun) syncGroupMetadata(ctx context.Context) error {
	ctx, span := s.m.tracer.Start(ctx, "group-metadata")
	defer span.End()

	exists, err := s.client.GroupExists(ctx, s.group)
	if err != nil {
		return err
	}
	if !exists {
		return errdefs.NotFound("instance group %s does not exist on %s", s.group, s.server)
	}
	return s.m.pushGroupManifests(ctx, s.tx, s.client, s.group)
}

func (m *Manager) pushGroupManifests(ctx context.Context, r storage.Reader, client remote.Client, group string) error {
	var keys []types.ManifestKey
	for _, name := range []string{types.GroupDescriptorName, types.GroupAttributesName} {
		key, ok, err := storage.LatestKey(r, name)
		if err != nil {
			return err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	bundle, err := storage.Export(r, keys, false)
	if err != nil {
		return err
	}
	_, err = client.Push(ctx, group, bundle)
	return err
}

// fetch lists the remote instances and systems and imports whatever is
// missing, along with the metadata manifests of every instance
func (s *syncRun) fetch(ctx context.Context) ([]types.ManifestKey, []types.SystemSummary, error) {
	ctx, span := s.m.tracer.Start(ctx, "fetch")
	defer span.End()

	summaries, err := s.client.ListInstanceKeys(ctx, s.group, false)
	if errors.Is(err, errdefs.ErrVersionIncompatible) {
		s.logger.Debug().Msg("Managed server predates key listing, using full configuration listing")
		summaries, err = s.client.ListInstanceConfigurations(ctx, s.group, false)
	}
	if err != nil {
		return nil, nil, err
	}
	systems, err := s.client.ListSystems(ctx, s.group)
	if err != nil {
		return nil, nil, err
	}

	var instanceKeys []types.ManifestKey
	for _, sum := range summaries {
		if !strings.HasPrefix(sum.Key.Name, types.InstancePrefix) || types.IsMetaManifest(sum.Key.Name) {
			continue
		}
		instanceKeys = append(instanceKeys, sum.Key)
	}
	types.SortKeys(instanceKeys)

	wanted := make(map[types.ManifestKey]bool)
	for _, k := range types.LatestPerName(instanceKeys) {
		wanted[k] = true
	}
	candidates := append([]types.ManifestKey(nil), instanceKeys...)
	for _, sys := range systems {
		candidates = append(candidates, sys.Key)
	}
	for _, k := range candidates {
		if wanted[k] {
			continue
		}
		if _, err := s.tx.LoadManifest(k); err != nil {
			if !errors.Is(err, errdefs.ErrNotFound) {
				return nil, nil, err
			}
			wanted[k] = true
		}
	}

	if len(wanted) > 0 {
		keys := make([]types.ManifestKey, 0, len(wanted))
		for k := range wanted {
			keys = append(keys, k)
		}
		types.SortKeys(keys)
		bundle, err := s.client.Fetch(ctx, s.group, keys, true)
		if err != nil {
			return nil, nil, err
		}
		stats, err := storage.Import(s.tx, bundle)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to import from %s", s.server)
		}
		span.SetAttributes(attribute.Int("manifests", stats.Manifests), attribute.Int64("bytes", stats.Bytes))
	}

	s.result.Instances = instanceKeys
	for _, sys := range systems {
		s.result.Systems = append(s.result.Systems, sys.Key)
	}
	types.SortKeys(s.result.Systems)
	return instanceKeys, systems, nil
}

// reconcile removes what the server no longer holds and re-associates
// what it does. Manifests controlled by other servers are left alone.
func (s *syncRun) reconcile(instanceKeys []types.ManifestKey, systems []types.SystemSummary) error {
	present := make(map[string]bool, len(instanceKeys))
	for _, k := range instanceKeys {
		present[k.Name] = true
	}
	controlled, err := s.m.assoc.ControlledBy(s.tx, s.server, types.InstancePrefix)
	if err != nil {
		return err
	}
	for _, name := range sortedNames(controlled) {
		if present[name] {
			continue
		}
		if err := s.forget(name, types.KindInstance, controlled[name].Key(name)); err != nil {
			return err
		}
	}

	systemIDs := make(map[string]bool, len(systems))
	for _, sys := range systems {
		systemIDs[sys.Config.ID] = true
	}
	controlledSystems, err := s.m.assoc.ControlledBy(s.tx, s.server, types.SystemPrefix)
	if err != nil {
		return err
	}
	for _, name := range sortedNames(controlledSystems) {
		key, ok, err := storage.LatestKey(s.tx, name)
		if err != nil {
			return err
		}
		if ok {
			var cfg types.SystemConfiguration
			if err := storage.LoadDocument(s.tx, key, &cfg); err != nil {
				return err
			}
			if systemIDs[cfg.ID] {
				continue
			}
		}
		if err := s.forget(name, types.KindSystem, controlledSystems[name].Key(name)); err != nil {
			return err
		}
	}

	for _, k := range types.LatestPerName(instanceKeys) {
		if err := s.claim(k); err != nil {
			return err
		}
	}
	for _, sys := range systems {
		if err := s.claim(sys.Key); err != nil {
			return err
		}
	}
	return nil
}

// claim associates key with the synchronized server
func (s *syncRun) claim(key types.ManifestKey) error {
	prev, ok, err := s.m.assoc.Read(s.tx, key.Name)
	if err != nil {
		return err
	}
	if ok && prev.Server != s.server {
		s.logger.Warn().Str("manifest", key.Name).Str("previous", prev.Server).Msg("Manifest changes controlling server")
	}
	return s.m.assoc.Associate(s.tx, key, s.server)
}

// forget deletes every version of name and clears its association
func (s *syncRun) forget(name string, kind types.ManifestKind, assoc types.ManifestKey) error {
	deleted, err := storage.DeleteAll(s.tx, name)
	if err != nil {
		return err
	}
	if err := s.m.assoc.Clear(s.tx, name); err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}

	key := assoc
	if latest := types.LatestPerName(filterName(deleted, name)); len(latest) == 1 {
		key = latest[0]
	}
	metrics.ManifestsRemoved.WithLabelValues(string(kind)).Inc()

	eventType := events.EventInstanceRemoved
	if kind == types.KindSystem {
		eventType = events.EventSystemRemoved
		s.result.RemovedSystems = append(s.result.RemovedSystems, key)
	} else {
		s.result.Removed = append(s.result.Removed, key)
	}
	s.removed = append(s.removed, events.Event{Type: eventType, Group: s.group, Server: s.server, Key: key.String()})
	s.logger.Info().Str("manifest", key.String()).Msg("Removed manifest no longer present on managed server")
	return nil
}

func filterName(keys []types.ManifestKey, name string) []types.ManifestKey {
	var out []types.ManifestKey
	for _, k := range keys {
		if k.Name == name {
			out = append(out, k)
		}
	}
	return out
}

// syncProperties pushes the group's attribute descriptors to the server
func (s *syncRun) syncProperties(ctx context.Context) error {
	key, ok, err := storage.LatestKey(s.tx, types.GroupAttributesName)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var attrs types.InstanceGroupAttributes
	if err := storage.LoadDocument(s.tx, key, &attrs); err != nil {
		return err
	}
	if len(attrs.Descriptors) == 0 {
		return nil
	}
	return s.client.MergeAttributes(ctx, s.group, attrs.Descriptors)
}

// refreshNodes replaces the minion table. On failure the previous table
// is kept.
func (s *syncRun) refreshNodes(ctx context.Context) {
	nodes, err := s.client.NodeStatus(ctx)
	if err != nil {
		s.soft(StepNodeStatus, err)
		return
	}
	s.rec.Minions = nodes
}

// compareProducts records, per product on the server, whether it holds a
// version newer than every version known here
func (s *syncRun) compareProducts(ctx context.Context) {
	remoteProducts, err := s.client.ListProducts(ctx, s.group)
	if err != nil {
		s.soft(StepProductUpdates, err)
		s.rec.ProductUpdates = nil
		return
	}
	localKeys, err := s.tx.ListManifestKeys(types.ProductPrefix)
	if err != nil {
		s.soft(StepProductUpdates, err)
		s.rec.ProductUpdates = nil
		return
	}

	known := make(map[string][]string)
	for _, k := range localKeys {
		name := strings.TrimPrefix(k.Name, types.ProductPrefix)
		known[name] = append(known[name], k.Tag)
	}
	remoteVersions := make(map[string][]string)
	for _, p := range remoteProducts {
		remoteVersions[p.Name] = append(remoteVersions[p.Name], p.Version)
	}

	updates := make(map[string]bool, len(remoteVersions))
	for _, name := range sortedNames(remoteVersions) {
		latest, ok := version.Latest(remoteVersions[name])
		if !ok {
			s.soft(StepProductUpdates, errors.Newf("product %s has no comparable version", name))
			continue
		}
		newer, err := version.NewerThanAll(latest, known[name])
		if err != nil {
			s.soft(StepProductUpdates, errors.Wrapf(err, "product %s", name))
			continue
		}
		updates[name] = newer
	}
	s.rec.ProductUpdates = updates
}

// collectStates reports the last known overall state of every instance
// the server controls
func (s *syncRun) collectStates() error {
	controlled, err := s.m.assoc.ControlledBy(s.tx, s.server, types.InstancePrefix)
	if err != nil {
		return err
	}
	for name := range controlled {
		state, ok, err := loadState(s.tx, name)
		if err != nil {
			return err
		}
		if ok {
			s.result.States[types.InstanceIDFromName(name)] = state
		}
	}
	return nil
}

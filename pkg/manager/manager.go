package manager

import (
	"context"
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/lock"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/registry"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/security"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/tasksync"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/cuemby/backplane/pkg/version"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var groupNamePattern = regexp.MustCompile(types.InstanceGroupPattern)

// Manager is the central side of managed-server synchronization
type Manager struct {
	mode     types.Mode
	version  string
	strategy modeStrategy

	store    storage.Store
	remotes  remote.Factory
	registry *registry.Registry
	assoc    *registry.Associations
	locks    *lock.Service
	tasks    *tasksync.Synchronizer
	events   events.Publisher
	bridge   events.ActionBridge
	detector *version.Detector
	validate *validator.Validate
	clock    clockwork.Clock
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// Config holds configuration for creating a Manager. Store and Remotes
// are required; everything else has a default.
type Config struct {
	// Mode is the mode of this process, CENTRAL unless set
	Mode types.Mode
	// Version is the running backplane version compared against managed
	// servers
	Version string

	Store   storage.Store
	Remotes remote.Factory
	// Sealer encrypts auth tokens at rest; nil stores them as given
	Sealer *security.TokenSealer

	Locks    *lock.Service
	Tasks    *tasksync.Synchronizer
	Events   events.Publisher
	Bridge   events.ActionBridge
	Detector *version.Detector
	Clock    clockwork.Clock
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("manager requires a store")
	}
	if cfg.Remotes == nil {
		return nil, errors.New("manager requires a remote client factory")
	}

	mode := cfg.Mode
	if mode == "" {
		mode = types.ModeCentral
	}
	strategy, err := strategyFor(mode)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		mode:     mode,
		version:  cfg.Version,
		strategy: strategy,
		store:    cfg.Store,
		remotes:  cfg.Remotes,
		registry: registry.New(cfg.Sealer),
		assoc:    registry.NewAssociations(),
		locks:    cfg.Locks,
		tasks:    cfg.Tasks,
		events:   cfg.Events,
		bridge:   cfg.Bridge,
		detector: cfg.Detector,
		validate: validator.New(),
		clock:    cfg.Clock,
		tracer:   otel.Tracer("backplane/manager"),
		logger:   log.WithComponent("manager"),
	}
	if m.locks == nil {
		m.locks = lock.NewService()
	}
	if m.tasks == nil {
		m.tasks = tasksync.New()
	}
	if m.events == nil {
		m.events = events.Discard{}
	}
	if m.bridge == nil {
		m.bridge = strategy.bridge(m.events)
	}
	if m.detector == nil {
		m.detector = version.NewDetector(version.DefaultCompatibleJumps...)
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	return m, nil
}

// Mode returns the mode this manager runs in
func (m *Manager) Mode() types.Mode { return m.mode }

// Version returns the running version
func (m *Manager) Version() string { return m.version }

// Store returns the repository the manager works on
func (m *Manager) Store() storage.Store { return m.store }

func (m *Manager) requireGroup(group string) error {
	ok, err := m.store.HasGroup(group)
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.NotFound("instance group %s not found", group)
	}
	return nil
}

// withReadLock takes the group read lock when the mode asks for it
func (m *Manager) withReadLock(group string, fn func() error) error {
	if m.strategy.lockReads {
		return m.locks.WithRead(group, fn)
	}
	return fn()
}

// CreateInstanceGroup creates group and stores its descriptor
func (m *Manager) CreateInstanceGroup(ctx context.Context, cfg types.InstanceGroupConfiguration) error {
	if err := m.validate.Struct(cfg); err != nil {
		return errdefs.InvalidArgument(err, "instance group")
	}
	if !groupNamePattern.MatchString(cfg.Name) {
		return errdefs.InvalidArgument(errors.Newf("name %q does not match %s", cfg.Name, types.InstanceGroupPattern), "instance group")
	}
	ok, err := m.store.HasGroup(cfg.Name)
	if err != nil {
		return err
	}
	if ok {
		return errdefs.Conflict("instance group %s already exists", cfg.Name)
	}
	if err := m.store.CreateGroup(cfg.Name); err != nil {
		return err
	}
	return m.locks.WithWrite(cfg.Name, func() error {
		return storage.Update(m.store, cfg.Name, func(tx *storage.Tx) error {
			_, err := storage.PutNextDocument(tx, types.GroupDescriptorName, types.KindGroupDescriptor, cfg)
			return err
		})
	})
}

// SetGroupAttributes stores a new version of the group's attributes
func (m *Manager) SetGroupAttributes(ctx context.Context, group string, attrs types.InstanceGroupAttributes) error {
	if err := m.requireGroup(group); err != nil {
		return err
	}
	return m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			_, err := storage.PutNextDocument(tx, types.GroupAttributesName, types.KindGroupAttributes, attrs)
			return err
		})
	})
}

// PutProduct registers a product version known to this server
func (m *Manager) PutProduct(ctx context.Context, group string, p types.ProductKey) error {
	if err := m.requireGroup(group); err != nil {
		return err
	}
	key := types.ManifestKey{Name: types.ProductPrefix + p.Name, Tag: p.Version}
	return m.locks.WithWrite(group, func() error {
		return storage.Update(m.store, group, func(tx *storage.Tx) error {
			return storage.PutDocument(tx, key, types.KindProduct, p)
		})
	})
}

// ListGroups returns every instance group, without the software group
func (m *Manager) ListGroups() ([]string, error) {
	groups, err := m.store.ListGroups()
	if err != nil {
		return nil, err
	}
	out := groups[:0]
	for _, g := range groups {
		if g != types.SoftwareGroup {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetManagedServers lists the servers attached to group, without their
// auth tokens
func (m *Manager) GetManagedServers(ctx context.Context, group string) ([]*types.ManagedMasterRecord, error) {
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}
	var out []*types.ManagedMasterRecord
	err := m.withReadLock(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		recs, err := m.registry.List(r)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			out = append(out, rec.Redacted())
		}
		return nil
	})
	return out, err
}

// GetManagedServer returns one attached server without its auth token
func (m *Manager) GetManagedServer(ctx context.Context, group, server string) (*types.ManagedMasterRecord, error) {
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}
	var rec *types.ManagedMasterRecord
	err := m.withReadLock(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		rec, err = m.registry.Get(r, server)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.Redacted(), nil
}

// GetServerForInstance returns the server controlling instance id. A
// non-empty tag must name a stored version of the instance.
func (m *Manager) GetServerForInstance(ctx context.Context, group, id, tag string) (*types.ManagedMasterRecord, error) {
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}
	var rec *types.ManagedMasterRecord
	err := m.withReadLock(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		rec, err = m.serverForInstance(r, id, tag)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.Redacted(), nil
}

func (m *Manager) serverForInstance(r storage.Reader, id, tag string) (*types.ManagedMasterRecord, error) {
	name := types.InstanceManifestName(id)
	if tag != "" {
		if _, err := r.LoadManifest(types.ManifestKey{Name: name, Tag: tag}); err != nil {
			return nil, err
		}
	}
	assoc, ok, err := m.assoc.Read(r, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errdefs.NotFound("instance %s is not controlled by any managed server", id)
	}
	return m.registry.Get(r, assoc.Server)
}

// ListInstances returns the latest configuration of every instance in
// group together with the name of its controlling server, if any
func (m *Manager) ListInstances(ctx context.Context, group string) ([]InstanceView, error) {
	if err := m.requireGroup(group); err != nil {
		return nil, err
	}
	var out []InstanceView
	err := m.withReadLock(group, func() error {
		r, err := m.store.View(group)
		if err != nil {
			return err
		}
		roots, err := storage.ListRoots(r, types.InstancePrefix)
		if err != nil {
			return err
		}
		owners, err := m.assoc.All(r)
		if err != nil {
			return err
		}
		for _, key := range types.LatestPerName(roots) {
			v := InstanceView{Key: key, Server: owners[key.Name].Server}
			if err := storage.LoadDocument(r, key, &v.Config); err != nil {
				return err
			}
			state, ok, err := loadState(r, key.Name)
			if err != nil {
				return err
			}
			if ok {
				v.State = &state
			}
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

// InstanceView is an instance as the central API shows it
type InstanceView struct {
	Key    types.ManifestKey           `json:"key"`
	Config types.InstanceConfiguration `json:"config"`
	Server string                      `json:"server,omitempty"`
	State  *types.InstanceOverallState `json:"state,omitempty"`
}

// FleetCounts returns, per group, the number of root manifests every
// attached server controls
func (m *Manager) FleetCounts() (map[string]map[string]int, error) {
	groups, err := m.ListGroups()
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]int, len(groups))
	for _, group := range groups {
		r, err := m.store.View(group)
		if err != nil {
			return nil, err
		}
		recs, err := m.registry.List(r)
		if err != nil {
			return nil, err
		}
		counts := make(map[string]int, len(recs))
		for _, rec := range recs {
			counts[rec.HostName] = 0
		}
		all, err := m.assoc.All(r)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if _, ok := counts[a.Server]; ok {
				counts[a.Server]++
			}
		}
		out[group] = counts
	}
	return out, nil
}

func loadState(r storage.Reader, root string) (types.InstanceOverallState, bool, error) {
	var state types.InstanceOverallState
	key, ok, err := storage.LatestKey(r, types.MetaManifestName(root, types.InstanceStateMeta))
	if err != nil || !ok {
		return state, false, err
	}
	if err := storage.LoadDocument(r, key, &state); err != nil {
		return state, false, err
	}
	return state, true, nil
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

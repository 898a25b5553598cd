package framework

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/backplane/pkg/api"
	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/client"
	"github.com/cuemby/backplane/pkg/events"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/reconciler"
	"github.com/cuemby/backplane/pkg/remote"
	"github.com/cuemby/backplane/pkg/security"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
)

// FleetConfig describes a test fleet
type FleetConfig struct {
	// Version is the software version of every node
	Version string
	// SyncInterval enables background synchronization on the central
	SyncInterval time.Duration
	// RemoteTimeout bounds central to managed calls
	RemoteTimeout time.Duration
	// TokenKey seals stored auth tokens on the central
	TokenKey string
}

// DefaultFleetConfig returns the configuration used by most tests
func DefaultFleetConfig() *FleetConfig {
	return &FleetConfig{
		Version:       "1.0.0",
		RemoteTimeout: 5 * time.Second,
		TokenKey:      "fleet-test",
	}
}

// Central is a central node served over HTTP
type Central struct {
	Manager  *manager.Manager
	Recorder *events.Recorder
	Server   *httptest.Server
	recon    *reconciler.Reconciler
}

// Site is a managed node served over HTTP
type Site struct {
	Name    string
	Token   string
	Backend *managed.Backend
	Server  *httptest.Server
}

// URI is the address the central reaches the site at
func (s *Site) URI() string { return s.Server.URL }

// Descriptor returns the attach payload of the site
func (s *Site) Descriptor() types.ManagedMasterDescriptor {
	return types.ManagedMasterDescriptor{HostName: s.Name, URI: s.URI(), AuthToken: s.Token}
}

// Fleet is a central node and any number of managed sites running in
// process over real HTTP
type Fleet struct {
	Config  *FleetConfig
	Central *Central
	Client  *client.Client

	t      TestingT
	ctx    context.Context
	mu     sync.Mutex
	sites  map[string]*Site
	stores []*storage.BoltStore
	dir    string
}

// NewFleet starts a central node. Every node is stopped when the test
// finishes; data lives in the test's temporary directory.
func NewFleet(t TestingT, cfg *FleetConfig) *Fleet {
	t.Helper()
	if cfg == nil {
		cfg = DefaultFleetConfig()
	}

	f := &Fleet{Config: cfg, t: t, ctx: context.Background(), sites: make(map[string]*Site), dir: t.TempDir()}
	t.Cleanup(f.Close)

	store := f.openStore("central")
	sealer, err := security.NewTokenSealerFromPassphrase(cfg.TokenKey)
	if err != nil {
		t.Fatalf("Failed to create token sealer: %v", err)
	}
	recorder := &events.Recorder{}
	mgr, err := manager.NewManager(&manager.Config{
		Version: cfg.Version,
		Store:   store,
		Remotes: remote.NewHTTPFactory(cfg.RemoteTimeout),
		Sealer:  sealer,
		Events:  recorder,
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	srv := api.NewServer(api.Config{
		Manager: mgr,
		Bulk:    bulk.NewOperations(mgr, nil, recorder),
		Health:  api.NewHealthServer(store),
	})
	f.Central = &Central{Manager: mgr, Recorder: recorder, Server: httptest.NewServer(srv.Handler())}
	if cfg.SyncInterval > 0 {
		f.Central.recon = reconciler.NewReconciler(mgr, cfg.SyncInterval)
		f.Central.recon.Start()
	}

	f.Client, err = client.NewClient(f.Central.Server.URL)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return f
}

func (f *Fleet) openStore(name string) *storage.BoltStore {
	f.t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(f.dir, name))
	if err != nil {
		f.t.Fatalf("Failed to open store %s: %v", name, err)
	}
	f.mu.Lock()
	f.stores = append(f.stores, store)
	f.mu.Unlock()
	return store
}

// AddSite starts a managed node holding the given groups
func (f *Fleet) AddSite(name string, groups ...string) *Site {
	f.t.Helper()
	backend := managed.NewBackend(f.openStore(name), managed.Config{
		Name:    name,
		Version: f.Config.Version,
		OS:      "linux",
		Arch:    "amd64",
	})
	for _, g := range groups {
		if err := backend.CreateGroup(f.ctx, g); err != nil {
			f.t.Fatalf("Failed to create group %s on %s: %v", g, name, err)
		}
	}

	site := &Site{Name: name, Token: "token-" + name, Backend: backend}
	h := api.NewServer(api.Config{Managed: managed.NewHandler(backend, site.Token)})
	site.Server = httptest.NewServer(h.Handler())
	f.t.Logf("Site %s serving %s", name, site.Server.URL)

	f.mu.Lock()
	f.sites[name] = site
	f.mu.Unlock()
	return site
}

// Site returns the named site
func (f *Fleet) Site(name string) *Site {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sites[name]
}

// SiteNames returns the names of all sites in order
func (f *Fleet) SiteNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sites))
	for n := range f.sites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StopSite takes a site offline; its address stops answering
func (f *Fleet) StopSite(name string) {
	if s := f.Site(name); s != nil {
		s.Server.Close()
	}
}

// PutInstance stores a new version of an instance on a site
func (f *Fleet) PutInstance(site, group, id string) types.ManifestKey {
	f.t.Helper()
	key, err := f.Site(site).Backend.PutInstance(f.ctx, group, types.InstanceConfiguration{ID: id, Name: "instance " + id})
	if err != nil {
		f.t.Fatalf("Failed to put instance %s on %s: %v", id, site, err)
	}
	return key
}

// DeleteInstance removes an instance from a site
func (f *Fleet) DeleteInstance(site, group, id string) {
	f.t.Helper()
	if err := f.Site(site).Backend.DeleteInstance(f.ctx, group, id); err != nil {
		f.t.Fatalf("Failed to delete instance %s on %s: %v", id, site, err)
	}
}

// Close stops every node and closes their stores
func (f *Fleet) Close() {
	if f.Central != nil {
		if f.Central.recon != nil {
			f.Central.recon.Stop()
		}
		f.Central.Server.Close()
	}
	for _, name := range f.SiteNames() {
		f.Site(name).Server.Close()
	}
	for _, s := range f.stores {
		_ = s.Close()
	}
	f.stores = nil
}

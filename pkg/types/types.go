package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode is the role a backplane process plays in the fleet
type Mode string

const (
	ModeStandalone Mode = "STANDALONE"
	ModeManaged    Mode = "MANAGED"
	ModeCentral    Mode = "CENTRAL"
	ModeNode       Mode = "NODE"
)

// ParseMode converts a case-insensitive mode name into a Mode
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case ModeStandalone, ModeManaged, ModeCentral, ModeNode:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ManifestKey identifies one immutable version of a configuration object
type ManifestKey struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// String returns the "name:tag" form of the key
func (k ManifestKey) String() string {
	return k.Name + ":" + k.Tag
}

// ParseManifestKey parses the "name:tag" form. The tag is everything
// after the last colon.
func ParseManifestKey(s string) (ManifestKey, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return ManifestKey{}, fmt.Errorf("invalid manifest key %q", s)
	}
	return ManifestKey{Name: s[:idx], Tag: s[idx+1:]}, nil
}

// CompareTags orders tags numerically. Non-numeric tags sort before
// numeric ones and compare lexicographically among themselves.
func CompareTags(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr != nil && berr == nil:
		return -1
	case aerr == nil && berr != nil:
		return 1
	}
	return strings.Compare(a, b)
}

// SortKeys sorts keys by name, then numerically by tag
func SortKeys(keys []ManifestKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Name != keys[j].Name {
			return keys[i].Name < keys[j].Name
		}
		return CompareTags(keys[i].Tag, keys[j].Tag) < 0
	})
}

// LatestPerName keeps only the highest tag of every manifest name
func LatestPerName(keys []ManifestKey) []ManifestKey {
	latest := make(map[string]ManifestKey)
	for _, k := range keys {
		cur, ok := latest[k.Name]
		if !ok || CompareTags(k.Tag, cur.Tag) > 0 {
			latest[k.Name] = k
		}
	}
	out := make([]ManifestKey, 0, len(latest))
	for _, k := range latest {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// ManifestKind classifies what a manifest holds
type ManifestKind string

const (
	KindInstance        ManifestKind = "instance"
	KindInstanceMeta    ManifestKind = "instance-meta"
	KindSystem          ManifestKind = "system"
	KindGroupDescriptor ManifestKind = "group-descriptor"
	KindGroupAttributes ManifestKind = "group-attributes"
	KindProduct         ManifestKind = "product"
	KindSoftware        ManifestKind = "software"
)

// Manifest names inside an instance group repository
const (
	InstancePrefix       = "instances/"
	SystemPrefix         = "systems/"
	ProductPrefix        = "products/"
	SoftwarePrefix       = "software/backplane/"
	MetaInfix            = "/meta/"
	GroupDescriptorName  = "group/descriptor"
	GroupAttributesName  = "group/attributes"
	InstanceStateMeta    = "state"
	SoftwareGroup        = "_software"
	InstanceGroupPattern = `^[a-z0-9][a-z0-9._-]{0,63}$`
)

// InstanceManifestName returns the root manifest name of an instance
func InstanceManifestName(id string) string { return InstancePrefix + id }

// SystemManifestName returns the root manifest name of a system
func SystemManifestName(id string) string { return SystemPrefix + id }

// MetaManifestName returns the name of a metadata manifest attached to root
func MetaManifestName(root, meta string) string { return root + MetaInfix + meta }

// IsMetaManifest reports whether name is a metadata manifest
func IsMetaManifest(name string) bool { return strings.Contains(name, MetaInfix) }

// InstanceIDFromName extracts the instance id from a root manifest name
func InstanceIDFromName(name string) string {
	return strings.TrimPrefix(name, InstancePrefix)
}

// ProductKey identifies a product version
type ProductKey struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InstanceConfiguration is the root configuration of an instance
type InstanceConfiguration struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Purpose     string     `json:"purpose,omitempty"`
	Product     ProductKey `json:"product"`
	SystemID    string     `json:"systemId,omitempty"`
}

// SystemConfiguration groups instances under shared variables
type SystemConfiguration struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
}

// InstanceGroupConfiguration describes an instance group
type InstanceGroupConfiguration struct {
	Name        string `json:"name" validate:"required"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// AttributeDescriptor declares a custom attribute on instance groups
type AttributeDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InstanceGroupAttributes holds attribute declarations and values
type InstanceGroupAttributes struct {
	Descriptors []AttributeDescriptor `json:"descriptors,omitempty"`
	Values      map[string]string     `json:"values,omitempty"`
}

// MergeAttributeDescriptors unions b into a by name; entries of b win
func MergeAttributeDescriptors(a, b []AttributeDescriptor) []AttributeDescriptor {
	idx := make(map[string]int, len(a))
	out := make([]AttributeDescriptor, 0, len(a)+len(b))
	for _, d := range a {
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	for _, d := range b {
		if i, ok := idx[d.Name]; ok {
			out[i] = d
			continue
		}
		idx[d.Name] = len(out)
		out = append(out, d)
	}
	return out
}

// OverallStatus summarizes the deployment state of an instance
type OverallStatus string

const (
	StatusRunning   OverallStatus = "RUNNING"
	StatusStopped   OverallStatus = "STOPPED"
	StatusInstalled OverallStatus = "INSTALLED"
	StatusWarning   OverallStatus = "WARNING"
	StatusUnknown   OverallStatus = "UNKNOWN"
)

// InstanceOverallState is the last known overall state of an instance
type InstanceOverallState struct {
	Status    OverallStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Messages  []string      `json:"messages,omitempty"`
}

// InstanceSummary pairs an instance root key with its configuration
type InstanceSummary struct {
	Key    ManifestKey           `json:"key"`
	Config InstanceConfiguration `json:"config"`
}

// SystemSummary pairs a system root key with its configuration
type SystemSummary struct {
	Key    ManifestKey         `json:"key"`
	Config SystemConfiguration `json:"config"`
}

// BackendInfo is what a server reports about itself
type BackendInfo struct {
	Name                  string `json:"name"`
	Mode                  Mode   `json:"mode"`
	Version               string `json:"version"`
	ConnectionCheckFailed bool   `json:"connectionCheckFailed"`
}

// MinionStatus is the last known state of one node of a managed server
type MinionStatus struct {
	Online   bool      `json:"online"`
	Version  string    `json:"version,omitempty"`
	Info     string    `json:"info,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// UpdateInfo tracks software update availability of a managed server
type UpdateInfo struct {
	RunningVersion     string        `json:"runningVersion"`
	UpdateVersion      string        `json:"updateVersion,omitempty"`
	UpdateAvailable    bool          `json:"updateAvailable"`
	ForceUpdate        bool          `json:"forceUpdate"`
	PackagesToTransfer []ManifestKey `json:"packagesToTransfer,omitempty"`
	PackagesToInstall  []ManifestKey `json:"packagesToInstall,omitempty"`
}

// ManagedMasterDescriptor is the attach payload for a managed server
type ManagedMasterDescriptor struct {
	HostName    string `json:"hostName" yaml:"hostName" validate:"required,hostname_rfc1123"`
	Description string `json:"description,omitempty" yaml:"description"`
	URI         string `json:"uri" yaml:"uri" validate:"required,url"`
	AuthToken   string `json:"authToken,omitempty" yaml:"authToken"`
}

// ManagedMasterRecord is the central's record of one attached managed server
type ManagedMasterRecord struct {
	HostName       string                  `json:"hostName"`
	Description    string                  `json:"description,omitempty"`
	URI            string                  `json:"uri"`
	AuthToken      string                  `json:"authToken,omitempty"`
	Minions        map[string]MinionStatus `json:"minions,omitempty"`
	LastSync       time.Time               `json:"lastSync,omitempty"`
	Update         *UpdateInfo             `json:"update,omitempty"`
	ProductUpdates map[string]bool         `json:"productUpdates,omitempty"`
}

// NewManagedMasterRecord creates a record from an attach descriptor
func NewManagedMasterRecord(d ManagedMasterDescriptor) *ManagedMasterRecord {
	return &ManagedMasterRecord{
		HostName:    d.HostName,
		Description: d.Description,
		URI:         d.URI,
		AuthToken:   d.AuthToken,
	}
}

// Clone returns a deep copy of the record
func (r *ManagedMasterRecord) Clone() *ManagedMasterRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Minions != nil {
		c.Minions = make(map[string]MinionStatus, len(r.Minions))
		for k, v := range r.Minions {
			c.Minions[k] = v
		}
	}
	if r.ProductUpdates != nil {
		c.ProductUpdates = make(map[string]bool, len(r.ProductUpdates))
		for k, v := range r.ProductUpdates {
			c.ProductUpdates[k] = v
		}
	}
	if r.Update != nil {
		u := *r.Update
		u.PackagesToTransfer = append([]ManifestKey(nil), r.Update.PackagesToTransfer...)
		u.PackagesToInstall = append([]ManifestKey(nil), r.Update.PackagesToInstall...)
		c.Update = &u
	}
	return &c
}

// Redacted returns a copy safe for external exposure (no auth token)
func (r *ManagedMasterRecord) Redacted() *ManagedMasterRecord {
	c := r.Clone()
	if c != nil {
		c.AuthToken = ""
	}
	return c
}

// ManagedMasterUpdate carries the mutable fields of a record
type ManagedMasterUpdate struct {
	Description *string `json:"description,omitempty"`
	URI         *string `json:"uri,omitempty" validate:"omitempty,url"`
	AuthToken   *string `json:"authToken,omitempty"`
}

// SoftError records a best-effort step that failed without aborting
type SoftError struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// SyncResult summarizes one synchronize call
type SyncResult struct {
	Server         *ManagedMasterRecord            `json:"server"`
	Instances      []ManifestKey                   `json:"instances"`
	Systems        []ManifestKey                   `json:"systems"`
	States         map[string]InstanceOverallState `json:"states,omitempty"`
	Removed        []ManifestKey                   `json:"removed,omitempty"`
	RemovedSystems []ManifestKey                   `json:"removedSystems,omitempty"`
	Forced         bool                            `json:"forced"`
	SoftErrors     []SoftError                     `json:"softErrors,omitempty"`
}

// AddSoftError records a degraded step
func (r *SyncResult) AddSoftError(step string, err error) {
	r.SoftErrors = append(r.SoftErrors, SoftError{Step: step, Message: err.Error()})
}

// TransferStats describes the outcome of a push or fetch
type TransferStats struct {
	Manifests int   `json:"manifests"`
	Objects   int   `json:"objects"`
	Bytes     int64 `json:"bytes"`
}

// Add accumulates other into s
func (s *TransferStats) Add(other TransferStats) {
	s.Manifests += other.Manifests
	s.Objects += other.Objects
	s.Bytes += other.Bytes
}

// InstanceAction is a lifecycle action on a managed server instance
type InstanceAction string

const (
	ActionStart    InstanceAction = "start"
	ActionStop     InstanceAction = "stop"
	ActionInstall  InstanceAction = "install"
	ActionActivate InstanceAction = "activate"
	ActionDelete   InstanceAction = "delete"
)

// ParseInstanceAction validates an action name
func ParseInstanceAction(s string) (InstanceAction, error) {
	a := InstanceAction(strings.ToLower(s))
	switch a {
	case ActionStart, ActionStop, ActionInstall, ActionActivate, ActionDelete:
		return a, nil
	}
	return "", fmt.Errorf("unknown instance action %q", s)
}

// PingResult is the outcome of a server round-trip
type PingResult struct {
	Version string        `json:"version"`
	Mode    Mode          `json:"mode"`
	Latency time.Duration `json:"latency"`
}

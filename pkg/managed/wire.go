package managed

import "github.com/cuemby/backplane/pkg/types"

// APIPrefix is where the managed surface is mounted
const APIPrefix = "/api/v1/managed"

// FetchRequest asks for manifests to be exported
type FetchRequest struct {
	Keys     []types.ManifestKey `json:"keys"`
	WithMeta bool                `json:"withMeta"`
}

// InstallRequest names the update packages to install
type InstallRequest struct {
	Keys []types.ManifestKey `json:"keys"`
}

// VersionResponse is the body of the version call
type VersionResponse struct {
	Version string `json:"version"`
}

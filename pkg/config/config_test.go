package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, types.ModeCentral, cfg.Mode)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.BulkParallelism)
	assert.Equal(t, 30*time.Second, cfg.Sync.RemoteTimeout)
	assert.Equal(t, "info", string(cfg.LogLevel()))
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
mode: managed
name: site-1
data_dir: /var/lib/backplane
http_addr: 0.0.0.0:9090
log:
  level: DEBUG
  json: true
sync:
  interval: 0s
managed:
  auth_token: s3cret
  minions: [node-a, node-b]
`)
	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, types.ModeManaged, cfg.Mode)
	assert.Equal(t, "site-1", cfg.Name)
	assert.Equal(t, "0.0.0.0:9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Zero(t, cfg.Sync.Interval)
	assert.Equal(t, "s3cret", cfg.Managed.AuthToken)
	assert.Equal(t, []string{"node-a", "node-b"}, cfg.Managed.Minions)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "sync:\n  bulk_parallelism: 8\n")
	t.Setenv("BACKPLANE_SYNC_BULK_PARALLELISM", "16")
	t.Setenv("BACKPLANE_NAME", "central-eu")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Sync.BulkParallelism)
	assert.Equal(t, "central-eu", cfg.Name)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BACKPLANE_HTTP_ADDR", "127.0.0.1:1111")

	cmd := &cobra.Command{Use: "serve"}
	cmd.Flags().String("http-addr", "", "")
	cmd.Flags().String("data-dir", "", "")
	v := New()
	require.NoError(t, BindCommand(v, cmd))
	require.NoError(t, cmd.Flags().Set("http-addr", "127.0.0.1:2222"))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:2222", cfg.HTTPAddr)
	assert.Equal(t, "./backplane-data", cfg.DataDir, "unset flags keep the default")
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown mode", "mode: cluster\n"},
		{"bad name", "name: \"not a host\"\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"zero parallelism", "sync:\n  bulk_parallelism: 0\n"},
		{"bad nats url", "nats:\n  url: \"::\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(New(), writeFile(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFlagKey(t *testing.T) {
	tests := map[string]string{
		"data-dir":              "data_dir",
		"http-addr":             "http_addr",
		"mode":                  "mode",
		"log-level":             "log.level",
		"sync-interval":         "sync.interval",
		"sync-bulk-parallelism": "sync.bulk_parallelism",
		"managed-auth-token":    "managed.auth_token",
	}
	for flag, want := range tests {
		assert.Equal(t, want, FlagKey(flag), flag)
	}
}

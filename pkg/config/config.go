package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. BACKPLANE_SYNC_INTERVAL
const EnvPrefix = "BACKPLANE"

// FileName is the configuration file looked up in the search paths
const FileName = "backplane"

// Config is the configuration of a backplane node
type Config struct {
	Mode     types.Mode `mapstructure:"mode" validate:"oneof=CENTRAL MANAGED STANDALONE NODE"`
	Name     string     `mapstructure:"name" validate:"required,hostname_rfc1123"`
	DataDir  string     `mapstructure:"data_dir" validate:"required"`
	HTTPAddr string     `mapstructure:"http_addr" validate:"required,hostname_port"`
	GRPCAddr string     `mapstructure:"grpc_addr" validate:"omitempty,hostname_port"`

	Log      LogConfig      `mapstructure:"log"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Security SecurityConfig `mapstructure:"security"`
	Managed  ManagedConfig  `mapstructure:"managed"`
}

// LogConfig configures pkg/log
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// NATSConfig configures event forwarding; an empty URL disables it
type NATSConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// SyncConfig configures synchronization on a central node
type SyncConfig struct {
	// Interval of background synchronization, 0 disables it
	Interval        time.Duration `mapstructure:"interval" validate:"gte=0"`
	BulkParallelism int           `mapstructure:"bulk_parallelism" validate:"gte=1,lte=64"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout" validate:"gt=0"`
}

// SecurityConfig holds the key sealing stored auth tokens
type SecurityConfig struct {
	TokenKey string `mapstructure:"token_key"`
}

// ManagedConfig holds the identity of a managed node
type ManagedConfig struct {
	// AuthToken is required from the central on every call
	AuthToken             string   `mapstructure:"auth_token"`
	Minions               []string `mapstructure:"minions"`
	ConnectionCheckFailed bool     `mapstructure:"connection_check_failed"`
}

// LogLevel returns the configured level for log.Init
func (c *Config) LogLevel() log.Level {
	return log.ParseLevel(c.Log.Level)
}

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(types.ModeCentral))
	v.SetDefault("name", "backplane")
	v.SetDefault("data_dir", "./backplane-data")
	v.SetDefault("http_addr", "127.0.0.1:8080")
	v.SetDefault("grpc_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("nats.url", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.bulk_parallelism", 4)
	v.SetDefault("sync.remote_timeout", 30*time.Second)
	v.SetDefault("security.token_key", "")
	v.SetDefault("managed.auth_token", "")
	v.SetDefault("managed.minions", []string{})
	v.SetDefault("managed.connection_check_failed", false)
}

// New returns a viper instance with defaults and environment overrides
// set up
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// sections are the nested keys a flag prefix selects
var sections = []string{"log", "nats", "sync", "security", "managed"}

// FlagKey returns the key a flag sets. Flags use dashes where keys use
// underscores, and a section prefix selects the nested key:
// --data-dir sets data_dir, --sync-bulk-parallelism sets
// sync.bulk_parallelism.
func FlagKey(name string) string {
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(name, section+"-"); ok {
			return section + "." + strings.ReplaceAll(rest, "-", "_")
		}
	}
	return strings.ReplaceAll(name, "-", "_")
}

// BindFlags binds every flag of the set to the key FlagKey names
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var result error
	flags.VisitAll(func(f *pflag.Flag) {
		key := FlagKey(f.Name)
		if err := v.BindPFlag(key, f); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "bind flag %s", f.Name))
		}
	})
	return result
}

// BindCommand binds the local and persistent flags of cmd
func BindCommand(v *viper.Viper, cmd *cobra.Command) error {
	return multierror.Append(
		BindFlags(v, cmd.Flags()),
		BindFlags(v, cmd.PersistentFlags()),
	).ErrorOrNil()
}

// Load reads file, or backplane.yaml from the working directory and
// /etc/backplane when file is empty, and returns the validated
// configuration. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/backplane")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read configuration")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	cfg.Mode = types.Mode(strings.ToUpper(string(cfg.Mode)))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errdefs.InvalidArgument(err, "configuration")
	}
	return &cfg, nil
}

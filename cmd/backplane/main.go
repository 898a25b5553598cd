package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/backplane/pkg/client"
	"github.com/cuemby/backplane/pkg/config"
	"github.com/cuemby/backplane/pkg/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// v holds the merged configuration of defaults, file, environment and
// flags
var v = config.New()

// shutdownTracing flushes spans when --trace-stdout is set
var shutdownTracing = func(context.Context) error { return nil }

func main() {
	err := rootCmd.Execute()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = shutdownTracing(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backplane",
	Short: "Backplane - fleet management for managed servers",
	Long: `Backplane administers configuration owned by a fleet of independently
operated managed servers from one central node.

The central node attaches managed servers to instance groups and keeps a
mirror of their instances and systems through synchronization.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Backplane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration file (default ./backplane.yaml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log in JSON")
	flags.Bool("trace-stdout", false, "Export traces to stderr")
	flags.String("central", "127.0.0.1:8080", "Central node address for client commands")
}

// setup initializes logging and tracing before any command runs
func setup(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOut, Output: os.Stderr})

	if trace, _ := cmd.Flags().GetBool("trace-stdout"); trace {
		shutdown, err := setupTracing()
		if err != nil {
			return err
		}
		shutdownTracing = shutdown
	}
	return nil
}

func setupTracing() (func(context.Context) error, error) {
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "backplane"),
			attribute.String("service.version", Version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// loadConfig binds the flags of cmd and loads the node configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.BindCommand(v, cmd); err != nil {
		return nil, err
	}
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

// newClient connects to the central named by --central
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("central")
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to central: %v", err)
	}
	return c, nil
}

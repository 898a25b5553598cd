package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/spf13/cobra"
)

// Group commands
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage instance groups",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an instance group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		title, _ := cmd.Flags().GetString("title")
		desc, _ := cmd.Flags().GetString("description")

		cfg := types.InstanceGroupConfiguration{Name: args[0], Title: title, Description: desc}
		if err := c.CreateGroup(cmd.Context(), cfg); err != nil {
			return fmt.Errorf("failed to create group: %v", err)
		}
		fmt.Printf("✓ Group created: %s\n", args[0])
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instance groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		groups, err := c.ListGroups(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list groups: %v", err)
		}
		for _, g := range groups {
			fmt.Println(g)
		}
		return nil
	},
}

func init() {
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.AddCommand(groupListCmd)

	groupCreateCmd.Flags().String("title", "", "Human readable title")
	groupCreateCmd.Flags().String("description", "", "Description")

	rootCmd.AddCommand(groupCmd)
}

// Server commands
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the managed servers of an instance group",
}

var serverAttachCmd = &cobra.Command{
	Use:   "attach NAME URI",
	Short: "Attach a managed server",
	Long: `Attach a managed server to an instance group.

The central contacts the server, checks that it runs in MANAGED mode and
creates the group on it when missing. With --manual the server is only
recorded and its group must be set up out of band.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		token, _ := cmd.Flags().GetString("token")
		desc, _ := cmd.Flags().GetString("description")
		manual, _ := cmd.Flags().GetBool("manual")

		rec, err := c.Attach(cmd.Context(), group, types.ManagedMasterDescriptor{
			HostName:    args[0],
			URI:         args[1],
			AuthToken:   token,
			Description: desc,
		}, manual)
		if err != nil {
			return fmt.Errorf("failed to attach server: %v", err)
		}
		fmt.Printf("✓ Server attached: %s\n", rec.HostName)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List managed servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		servers, err := c.ListServers(cmd.Context(), group)
		if err != nil {
			return fmt.Errorf("failed to list servers: %v", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tURI\tLAST SYNC\tVERSION\tUPDATE")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.HostName, s.URI, formatTime(s.LastSync), runningVersion(s), updateState(s))
		}
		return w.Flush()
	},
}

var serverSyncCmd = &cobra.Command{
	Use:   "sync NAME",
	Short: "Synchronize a managed server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		res, err := c.Synchronize(cmd.Context(), group, args[0])
		if err != nil {
			return fmt.Errorf("failed to synchronize: %v", err)
		}
		printSyncResult(res)
		return nil
	},
}

var serverDetachCmd = &cobra.Command{
	Use:   "detach NAME",
	Short: "Detach a managed server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		if err := c.Detach(cmd.Context(), group, args[0]); err != nil {
			return fmt.Errorf("failed to detach server: %v", err)
		}
		fmt.Printf("✓ Server detached: %s\n", args[0])
		return nil
	},
}

var serverPingCmd = &cobra.Command{
	Use:   "ping NAME",
	Short: "Check that the central reaches a managed server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		res, err := c.Ping(cmd.Context(), group, args[0])
		if err != nil {
			return fmt.Errorf("ping failed: %v", err)
		}
		fmt.Printf("✓ %s: version %s, mode %s, %s\n", args[0], res.Version, res.Mode, res.Latency.Round(time.Millisecond))
		return nil
	},
}

var serverUpdateCmd = &cobra.Command{
	Use:   "update NAME",
	Short: "Transfer and install the pending software update of a managed server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		transferOnly, _ := cmd.Flags().GetBool("transfer-only")

		stats, err := c.TransferUpdate(cmd.Context(), group, args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to transfer update: %v", err)
		}
		fmt.Printf("✓ Transferred %d packages (%d bytes)\n", stats.Manifests, stats.Bytes)
		if transferOnly {
			return nil
		}

		res, err := c.InstallUpdate(cmd.Context(), group, args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to install update: %v", err)
		}
		fmt.Printf("✓ Update installed on %s\n", args[0])
		printSyncResult(res)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{serverAttachCmd, serverListCmd, serverSyncCmd, serverDetachCmd, serverPingCmd, serverUpdateCmd} {
		c.Flags().StringP("group", "g", "", "Instance group (required)")
		_ = c.MarkFlagRequired("group")
		serverCmd.AddCommand(c)
	}

	serverAttachCmd.Flags().String("token", "", "Auth token of the managed server")
	serverAttachCmd.Flags().String("description", "", "Description")
	serverAttachCmd.Flags().Bool("manual", false, "Record the server without contacting it")
	serverUpdateCmd.Flags().Bool("transfer-only", false, "Only transfer the packages")

	rootCmd.AddCommand(serverCmd)
}

// Instance commands
var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage the instances of an instance group",
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances with their controlling servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		views, err := c.ListInstances(cmd.Context(), group)
		if err != nil {
			return fmt.Errorf("failed to list instances: %v", err)
		}
		printInstances(views)
		return nil
	},
}

var instanceActionCmd = &cobra.Command{
	Use:       "action ACTION ID...",
	Short:     "Run an action on instances across their managed servers",
	Args:      cobra.MinimumNArgs(2),
	ValidArgs: []string{"start", "stop", "install", "activate", "delete"},
	RunE: func(cmd *cobra.Command, args []string) error {
		action, err := types.ParseInstanceAction(args[0])
		if err != nil {
			return err
		}
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		group, _ := cmd.Flags().GetString("group")
		report, err := c.InstanceAction(cmd.Context(), group, action, args[1:])
		if err != nil {
			return fmt.Errorf("failed to run %s: %v", action, err)
		}
		printReport(report)
		if failed := report.Failed(); len(failed) > 0 {
			return fmt.Errorf("%d of %d instances failed", len(failed), len(report.Outcomes))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{instanceListCmd, instanceActionCmd} {
		c.Flags().StringP("group", "g", "", "Instance group (required)")
		_ = c.MarkFlagRequired("group")
		instanceCmd.AddCommand(c)
	}
	rootCmd.AddCommand(instanceCmd)
}

var syncAllCmd = &cobra.Command{
	Use:   "sync-all",
	Short: "Synchronize every managed server of every group",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		if err := c.SynchronizeAll(cmd.Context()); err != nil {
			return fmt.Errorf("synchronization failed: %v", err)
		}
		fmt.Println("✓ All servers synchronized")
		return nil
	},
}

var softwareCmd = &cobra.Command{
	Use:   "software",
	Short: "Manage update packages for managed servers",
}

var softwareUploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload an update package to the central",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read package: %v", err)
		}
		osName, _ := cmd.Flags().GetString("os")
		arch, _ := cmd.Flags().GetString("arch")
		version, _ := cmd.Flags().GetString("version")

		key, err := c.AddUpdatePackage(cmd.Context(), manager.UpdatePackage{OS: osName, Arch: arch, Version: version, Payload: payload})
		if err != nil {
			return fmt.Errorf("failed to upload package: %v", err)
		}
		fmt.Printf("✓ Package stored: %s\n", key)
		return nil
	},
}

func init() {
	softwareUploadCmd.Flags().String("os", "linux", "Target operating system")
	softwareUploadCmd.Flags().String("arch", "amd64", "Target architecture")
	softwareUploadCmd.Flags().String("version", "", "Package version (required)")
	_ = softwareUploadCmd.MarkFlagRequired("version")
	softwareCmd.AddCommand(softwareUploadCmd)

	rootCmd.AddCommand(syncAllCmd)
	rootCmd.AddCommand(softwareCmd)
}

func printSyncResult(res *types.SyncResult) {
	server := "?"
	if res.Server != nil {
		server = res.Server.HostName
	}
	if res.Forced {
		fmt.Printf("! %s needs a software update before it can be synchronized\n", server)
	} else {
		fmt.Printf("✓ Synchronized %s: %d instances, %d systems\n", server, len(res.Instances), len(res.Systems))
	}
	for _, k := range res.Removed {
		fmt.Printf("  removed instance %s\n", k)
	}
	for _, k := range res.RemovedSystems {
		fmt.Printf("  removed system %s\n", k)
	}
	for _, soft := range res.SoftErrors {
		fmt.Printf("  warning: %s: %s\n", soft.Step, soft.Message)
	}
}

func printInstances(views []manager.InstanceView) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tSERVER\tSTATUS")
	for _, v := range views {
		status := "-"
		if v.State != nil {
			status = string(v.State.Status)
		}
		server := v.Server
		if server == "" {
			server = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Config.ID, v.Config.Name, v.Key.Tag, server, status)
	}
	_ = w.Flush()
}

func printReport(report *bulk.Report) {
	for _, o := range report.Outcomes {
		if o.OK() {
			fmt.Printf("✓ %s %s\n", report.Action, o.ID)
		} else {
			fmt.Printf("✗ %s %s: %s\n", report.Action, o.ID, o.Error)
		}
	}
	if len(report.Synchronized) > 0 {
		fmt.Printf("Synchronized: %s\n", strings.Join(report.Synchronized, ", "))
	}
	for server, msg := range report.SyncErrors {
		fmt.Printf("Synchronization of %s failed: %s\n", server, msg)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func runningVersion(s *types.ManagedMasterRecord) string {
	if s.Update == nil || s.Update.RunningVersion == "" {
		return "-"
	}
	return s.Update.RunningVersion
}

func updateState(s *types.ManagedMasterRecord) string {
	switch {
	case s.Update == nil:
		return "-"
	case s.Update.ForceUpdate:
		return "required"
	case s.Update.UpdateAvailable:
		return "available"
	}
	return "-"
}

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	cerrors "github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/client"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a fleet definition file",
	Long: `Create instance groups and attach managed servers from a YAML file.

Groups and servers that already exist are left alone, so a file can be
applied repeatedly. A file may hold several documents.

Example:

  kind: InstanceGroup
  name: acme
  title: Acme Corp
  servers:
    - hostName: site-1
      uri: https://site-1.example.com
      authToken: s3cret
    - hostName: site-2
      uri: https://site-2.example.com
      manual: true`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// GroupResource is one document of a fleet definition file
type GroupResource struct {
	Kind        string           `yaml:"kind"`
	Name        string           `yaml:"name"`
	Title       string           `yaml:"title,omitempty"`
	Description string           `yaml:"description,omitempty"`
	Servers     []ServerResource `yaml:"servers,omitempty"`
}

// ServerResource is a managed server of a group
type ServerResource struct {
	types.ManagedMasterDescriptor `yaml:",inline"`
	Manual                        bool `yaml:"manual,omitempty"`
}

// parseResources decodes every document of r
func parseResources(r io.Reader) ([]GroupResource, error) {
	dec := yaml.NewDecoder(r)
	var out []GroupResource
	for {
		var res GroupResource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if res.Kind != "InstanceGroup" {
			return nil, fmt.Errorf("unsupported resource kind: %q", res.Kind)
		}
		if res.Name == "" {
			return nil, fmt.Errorf("instance group name is required")
		}
		out = append(out, res)
	}
	return out, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	resources, err := parseResources(f)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	for i := range resources {
		if err := applyGroup(cmd, c, &resources[i]); err != nil {
			return err
		}
	}
	return nil
}

func applyGroup(cmd *cobra.Command, c *client.Client, res *GroupResource) error {
	ctx := cmd.Context()

	err := c.CreateGroup(ctx, types.InstanceGroupConfiguration{
		Name:        res.Name,
		Title:       res.Title,
		Description: res.Description,
	})
	switch {
	case err == nil:
		fmt.Printf("✓ Group created: %s\n", res.Name)
	case cerrors.Is(err, errdefs.ErrConflict):
		fmt.Printf("Group already exists: %s (skipping)\n", res.Name)
	default:
		return fmt.Errorf("failed to create group %s: %v", res.Name, err)
	}

	for _, s := range res.Servers {
		_, err := c.Attach(ctx, res.Name, s.ManagedMasterDescriptor, s.Manual)
		switch {
		case err == nil:
			fmt.Printf("✓ Server attached: %s/%s\n", res.Name, s.HostName)
		case cerrors.Is(err, errdefs.ErrConflict):
			fmt.Printf("Server already attached: %s/%s (skipping)\n", res.Name, s.HostName)
		default:
			return fmt.Errorf("failed to attach %s to %s: %v", s.HostName, res.Name, err)
		}
	}
	return nil
}

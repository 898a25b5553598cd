package framework

import (
	"context"
	"sort"

	"github.com/cuemby/backplane/pkg/client"
)

// Assertions provides test assertion helpers against the central API
type Assertions struct {
	t   TestingT
	c   *client.Client
	ctx context.Context
}

// NewAssertions creates a new Assertions instance
func NewAssertions(t TestingT, c *client.Client) *Assertions {
	return &Assertions{t: t, c: c, ctx: context.Background()}
}

// ServerAttached asserts that server is attached to group
func (a *Assertions) ServerAttached(group, server string) {
	a.t.Helper()

	if _, err := a.c.GetServer(a.ctx, group, server); err != nil {
		a.t.Fatalf("Server %s is not attached to %s: %v", server, group, err)
	}
}

// Instances asserts the exact set of instance ids the central mirrors for
// group
func (a *Assertions) Instances(group string, expected ...string) {
	a.t.Helper()

	views, err := a.c.ListInstances(a.ctx, group)
	if err != nil {
		a.t.Fatalf("Failed to list instances of %s: %v", group, err)
	}
	got := make([]string, 0, len(views))
	for _, v := range views {
		got = append(got, v.Config.ID)
	}
	sort.Strings(got)
	sort.Strings(expected)

	if len(got) != len(expected) {
		a.t.Fatalf("Group %s has instances %v, expected %v", group, got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			a.t.Fatalf("Group %s has instances %v, expected %v", group, got, expected)
		}
	}
}

// ControlledBy asserts that instance id of group is controlled by server
func (a *Assertions) ControlledBy(group, id, server string) {
	a.t.Helper()

	rec, err := a.c.ServerForInstance(a.ctx, group, id, "")
	if err != nil {
		a.t.Fatalf("No server controls %s/%s: %v", group, id, err)
	}
	if rec.HostName != server {
		a.t.Fatalf("Instance %s/%s is controlled by %s, expected %s", group, id, rec.HostName, server)
	}
}

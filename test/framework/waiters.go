package framework

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/backplane/pkg/client"
)

// Waiter provides utilities for waiting on conditions with timeouts
type Waiter struct {
	timeout  time.Duration
	interval time.Duration
}

// NewWaiter creates a new Waiter with the given timeout and polling interval
func NewWaiter(timeout, interval time.Duration) *Waiter {
	return &Waiter{
		timeout:  timeout,
		interval: interval,
	}
}

// DefaultWaiter returns a waiter with a 10s timeout and 50ms interval
func DefaultWaiter() *Waiter {
	return NewWaiter(10*time.Second, 50*time.Millisecond)
}

// WaitFor waits for a condition to become true
func (w *Waiter) WaitFor(ctx context.Context, condition func() bool, description string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if condition() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for: %s (timeout: %v)", description, w.timeout)
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// WaitForInstance waits until the central mirrors instance id of group
// under server
func (w *Waiter) WaitForInstance(ctx context.Context, c *client.Client, group, id, server string) error {
	return w.WaitFor(ctx, func() bool {
		rec, err := c.ServerForInstance(ctx, group, id, "")
		return err == nil && rec.HostName == server
	}, fmt.Sprintf("instance %s/%s controlled by %s", group, id, server))
}

// WaitForInstanceGone waits until the central no longer mirrors instance
// id of group
func (w *Waiter) WaitForInstanceGone(ctx context.Context, c *client.Client, group, id string) error {
	return w.WaitFor(ctx, func() bool {
		views, err := c.ListInstances(ctx, group)
		if err != nil {
			return false
		}
		for _, v := range views {
			if v.Config.ID == id {
				return false
			}
		}
		return true
	}, fmt.Sprintf("instance %s/%s to be removed", group, id))
}

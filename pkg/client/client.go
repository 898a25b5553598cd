package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/api"
	"github.com/cuemby/backplane/pkg/bulk"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/manager"
	"github.com/cuemby/backplane/pkg/types"
)

// DefaultTimeout bounds a single API call. Synchronization of a large
// group can take a while.
const DefaultTimeout = 5 * time.Minute

// Client talks to the HTTP API of a central backplane node
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the central node at addr. A bare
// host:port is assumed to be plain HTTP.
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, errors.Newf("invalid central address %q", addr)
	}
	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/") + api.Prefix,
		http:    &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// ListGroups returns the instance group names
func (c *Client) ListGroups(ctx context.Context) ([]string, error) {
	var out []string
	return out, c.call(ctx, http.MethodGet, "/groups", nil, nil, &out)
}

// CreateGroup creates an instance group
func (c *Client) CreateGroup(ctx context.Context, cfg types.InstanceGroupConfiguration) error {
	return c.call(ctx, http.MethodPost, "/groups", nil, cfg, nil)
}

// ListServers returns the managed servers attached to group
func (c *Client) ListServers(ctx context.Context, group string) ([]*types.ManagedMasterRecord, error) {
	var out []*types.ManagedMasterRecord
	return out, c.call(ctx, http.MethodGet, groupPath(group, "servers"), nil, nil, &out)
}

// GetServer returns one managed server
func (c *Client) GetServer(ctx context.Context, group, server string) (*types.ManagedMasterRecord, error) {
	var out types.ManagedMasterRecord
	if err := c.call(ctx, http.MethodGet, serverPath(group, server, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attach attaches a managed server to group. A manual attach records the
// server without contacting it.
func (c *Client) Attach(ctx context.Context, group string, desc types.ManagedMasterDescriptor, manual bool) (*types.ManagedMasterRecord, error) {
	var out types.ManagedMasterRecord
	req := api.AttachRequest{ManagedMasterDescriptor: desc, Manual: manual}
	if err := c.call(ctx, http.MethodPost, groupPath(group, "servers"), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateServer changes the connection details of a managed server
func (c *Client) UpdateServer(ctx context.Context, group, server string, upd types.ManagedMasterUpdate, verify bool) (*types.ManagedMasterRecord, error) {
	var out types.ManagedMasterRecord
	q := url.Values{"verify": {strconv.FormatBool(verify)}}
	if err := c.call(ctx, http.MethodPatch, serverPath(group, server, ""), q, upd, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Detach removes a managed server from group
func (c *Client) Detach(ctx context.Context, group, server string) error {
	return c.call(ctx, http.MethodDelete, serverPath(group, server, ""), nil, nil, nil)
}

// Synchronize synchronizes group with one managed server
func (c *Client) Synchronize(ctx context.Context, group, server string) (*types.SyncResult, error) {
	var out types.SyncResult
	if err := c.call(ctx, http.MethodPost, serverPath(group, server, "sync"), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SynchronizeAll synchronizes every managed server of every group
func (c *Client) SynchronizeAll(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/sync", nil, nil, nil)
}

// Ping performs a round-trip from the central to a managed server
func (c *Client) Ping(ctx context.Context, group, server string) (types.PingResult, error) {
	var out types.PingResult
	return out, c.call(ctx, http.MethodGet, serverPath(group, server, "ping"), nil, nil, &out)
}

// TransferUpdate copies update packages to a managed server
func (c *Client) TransferUpdate(ctx context.Context, group, server string, keys []types.ManifestKey) (types.TransferStats, error) {
	var out types.TransferStats
	return out, c.call(ctx, http.MethodPost, serverPath(group, server, "update/transfer"), nil, api.UpdateRequest{Keys: keys}, &out)
}

// InstallUpdate installs transferred packages on a managed server
func (c *Client) InstallUpdate(ctx context.Context, group, server string, keys []types.ManifestKey) (*types.SyncResult, error) {
	var out types.SyncResult
	if err := c.call(ctx, http.MethodPost, serverPath(group, server, "update/install"), nil, api.UpdateRequest{Keys: keys}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns the instances of group with their controlling
// servers
func (c *Client) ListInstances(ctx context.Context, group string) ([]manager.InstanceView, error) {
	var out []manager.InstanceView
	return out, c.call(ctx, http.MethodGet, groupPath(group, "instances"), nil, nil, &out)
}

// ServerForInstance returns the managed server controlling an instance
func (c *Client) ServerForInstance(ctx context.Context, group, id, tag string) (*types.ManagedMasterRecord, error) {
	var out types.ManagedMasterRecord
	var q url.Values
	if tag != "" {
		q = url.Values{"tag": {tag}}
	}
	if err := c.call(ctx, http.MethodGet, groupPath(group, "instances", id, "server"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InstanceAction runs action on the given instances
func (c *Client) InstanceAction(ctx context.Context, group string, action types.InstanceAction, ids []string) (*bulk.Report, error) {
	var out bulk.Report
	path := groupPath(group, "instances", "actions", string(action))
	if err := c.call(ctx, http.MethodPost, path, nil, api.BulkRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddUpdatePackage uploads an update package to the central
func (c *Client) AddUpdatePackage(ctx context.Context, pkg manager.UpdatePackage) (types.ManifestKey, error) {
	var out types.ManifestKey
	return out, c.call(ctx, http.MethodPost, "/software", nil, pkg, &out)
}

func groupPath(group string, parts ...string) string {
	elems := append([]string{"groups", url.PathEscape(group)}, escape(parts)...)
	return "/" + strings.Join(elems, "/")
}

func serverPath(group, server, op string) string {
	p := groupPath(group, "servers", server)
	if op != "" {
		p += "/" + op
	}
	return p
}

func escape(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = url.PathEscape(p)
	}
	return out
}

// call sends in as JSON and decodes the answer into out. Error answers
// are turned back into classified errors.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e errdefs.Response
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return errdefs.FromHTTP(resp.StatusCode, e.Code, e.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}

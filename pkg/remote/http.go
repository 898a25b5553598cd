package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/backplane/pkg/codec"
	"github.com/cuemby/backplane/pkg/errdefs"
	"github.com/cuemby/backplane/pkg/managed"
	"github.com/cuemby/backplane/pkg/metrics"
	"github.com/cuemby/backplane/pkg/storage"
	"github.com/cuemby/backplane/pkg/types"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("backplane/remote")

// HTTPFactory creates HTTP clients. Circuit breakers are kept per managed
// server across clients so a dead server fails fast for every caller.
type HTTPFactory struct {
	timeout time.Duration
	client  *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPFactory creates a factory whose requests time out after timeout
func NewHTTPFactory(timeout time.Duration) *HTTPFactory {
	return &HTTPFactory{
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ClientFor returns a client talking to rec.URI
func (f *HTTPFactory) ClientFor(rec *types.ManagedMasterRecord) (Client, error) {
	u, err := url.Parse(rec.URI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("managed server %s has invalid URI %q", rec.HostName, rec.URI)
	}
	return &HTTPClient{
		server:  rec.HostName,
		baseURL: strings.TrimSuffix(rec.URI, "/") + managed.APIPrefix,
		token:   rec.AuthToken,
		http:    f.client,
		breaker: f.breaker(rec.HostName),
	}, nil
}

func (f *HTTPFactory) breaker(server string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	cb, ok := f.breakers[server]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        server,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Only transport failures trip the breaker; a classified
			// answer means the server is alive.
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, errdefs.ErrUpstreamUnreachable)
			},
		})
		f.breakers[server] = cb
	}
	return cb
}

// HTTPClient talks to the managed API of one server
type HTTPClient struct {
	server  string
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Client = (*HTTPClient)(nil)

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

func jsonRequest(op, method, path string, v any) (request, error) {
	req := request{op: op, method: method, path: path}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return req, err
		}
		req.body = data
		req.contentType = "application/json"
	}
	return req, nil
}

func cborRequest(op, method, path string, v any) (request, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return request{}, err
	}
	return request{op: op, method: method, path: path, body: data, contentType: codec.ContentType}, nil
}

// do executes req and returns the response body of a successful call
func (c *HTTPClient) do(ctx context.Context, req request) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "remote."+req.op)
	span.SetAttributes(attribute.String("server", c.server))
	defer span.End()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.RemoteRequestDuration, req.op)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = errdefs.Unreachable(err, c.server)
	}
	metrics.RemoteRequestsTotal.WithLabelValues(req.op, errdefs.Kind(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errdefs.Kind(err))
		return nil, err
	}
	body, _ := out.([]byte)
	return body, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, req request) ([]byte, error) {
	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return nil, err
	}
	if req.contentType != "" {
		hreq.Header.Set("Content-Type", req.contentType)
	}
	if c.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, errdefs.Unreachable(err, c.server)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.Unreachable(err, c.server)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var e errdefs.Response
		_ = json.Unmarshal(data, &e)
		err := errdefs.FromHTTP(resp.StatusCode, e.Code, e.Message)
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout {
			err = errdefs.Unreachable(err, c.server)
		}
		return nil, errors.Wrapf(err, "%s %s", req.op, c.server)
	}
	return data, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	data, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, query: query})
	if err != nil {
		return err
	}
	return decode(op, data, out)
}

func (c *HTTPClient) sendJSON(ctx context.Context, op, method, path string, in, out any) error {
	req, err := jsonRequest(op, method, path, in)
	if err != nil {
		return err
	}
	data, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(op, data, out)
}

func decode(op string, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", op)
	}
	return nil
}

func groupPath(group string, parts ...string) string {
	p := "/groups/" + url.PathEscape(group)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *HTTPClient) BackendInfo(ctx context.Context) (types.BackendInfo, error) {
	var info types.BackendInfo
	err := c.getJSON(ctx, "backend_info", "/backend-info", nil, &info)
	return info, err
}

func (c *HTTPClient) Version(ctx context.Context) (string, error) {
	var v managed.VersionResponse
	err := c.getJSON(ctx, "version", "/version", nil, &v)
	return v.Version, err
}

func (c *HTTPClient) NodeStatus(ctx context.Context) (map[string]types.MinionStatus, error) {
	var status map[string]types.MinionStatus
	err := c.getJSON(ctx, "node_status", "/node-status", nil, &status)
	return status, err
}

func (c *HTTPClient) GroupExists(ctx context.Context, group string) (bool, error) {
	_, err := c.do(ctx, request{op: "group_exists", method: http.MethodGet, path: groupPath(group)})
	if errors.Is(err, errdefs.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *HTTPClient) CreateGroup(ctx context.Context, group string) error {
	return c.sendJSON(ctx, "create_group", http.MethodPut, groupPath(group), nil, nil)
}

func (c *HTTPClient) ListInstanceKeys(ctx context.Context, group string, includeConfig bool) ([]types.InstanceSummary, error) {
	var list []types.InstanceSummary
	q := url.Values{"config": {strconv.FormatBool(includeConfig)}}
	err := c.getJSON(ctx, "list_instance_keys", groupPath(group, "instance-keys"), q, &list)
	return list, err
}

func (c *HTTPClient) ListInstanceConfigurations(ctx context.Context, group string, latestOnly bool) ([]types.InstanceSummary, error) {
	var list []types.InstanceSummary
	q := url.Values{"latest": {strconv.FormatBool(latestOnly)}}
	err := c.getJSON(ctx, "list_instances", groupPath(group, "instances"), q, &list)
	return list, err
}

func (c *HTTPClient) ListSystems(ctx context.Context, group string) ([]types.SystemSummary, error) {
	var list []types.SystemSummary
	err := c.getJSON(ctx, "list_systems", groupPath(group, "systems"), nil, &list)
	return list, err
}

func (c *HTTPClient) UpdateOverallStatus(ctx context.Context, group string) error {
	return c.sendJSON(ctx, "overall_status", http.MethodPost, groupPath(group, "overall-status"), nil, nil)
}

func (c *HTTPClient) MergeAttributes(ctx context.Context, group string, descriptors []types.AttributeDescriptor) error {
	return c.sendJSON(ctx, "merge_attributes", http.MethodPost, groupPath(group, "attributes"), descriptors, nil)
}

func (c *HTTPClient) ListProducts(ctx context.Context, group string) ([]types.ProductKey, error) {
	var list []types.ProductKey
	err := c.getJSON(ctx, "list_products", groupPath(group, "products"), nil, &list)
	return list, err
}

func (c *HTTPClient) Fetch(ctx context.Context, group string, keys []types.ManifestKey, withMeta bool) (*storage.Bundle, error) {
	req, err := jsonRequest("fetch", http.MethodPost, groupPath(group, "fetch"), managed.FetchRequest{Keys: keys, WithMeta: withMeta})
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	var bundle storage.Bundle
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return nil, errors.Wrap(err, "failed to decode fetched bundle")
	}
	return &bundle, nil
}

func (c *HTTPClient) Push(ctx context.Context, group string, bundle *storage.Bundle) (types.TransferStats, error) {
	return c.pushBundle(ctx, "push", groupPath(group, "push"), bundle)
}

func (c *HTTPClient) pushBundle(ctx context.Context, op, path string, bundle *storage.Bundle) (types.TransferStats, error) {
	var stats types.TransferStats
	req, err := cborRequest(op, http.MethodPost, path, bundle)
	if err != nil {
		return stats, err
	}
	data, err := c.do(ctx, req)
	if err != nil {
		return stats, err
	}
	return stats, decode(op, data, &stats)
}

func (c *HTTPClient) InstanceAction(ctx context.Context, group, id string, action types.InstanceAction) error {
	return c.sendJSON(ctx, "instance_action", http.MethodPost, groupPath(group, "instances", id, "actions", string(action)), nil, nil)
}

func (c *HTTPClient) DeleteInstance(ctx context.Context, group, id string) error {
	return c.sendJSON(ctx, "delete_instance", http.MethodDelete, groupPath(group, "instances", id), nil, nil)
}

func (c *HTTPClient) ListUpdatePackages(ctx context.Context) ([]types.ManifestKey, error) {
	var keys []types.ManifestKey
	err := c.getJSON(ctx, "list_updates", "/updates", nil, &keys)
	return keys, err
}

func (c *HTTPClient) TransferUpdate(ctx context.Context, bundle *storage.Bundle) (types.TransferStats, error) {
	return c.pushBundle(ctx, "transfer_update", "/updates", bundle)
}

func (c *HTTPClient) InstallUpdate(ctx context.Context, keys []types.ManifestKey) error {
	return c.sendJSON(ctx, "install_update", http.MethodPost, "/updates/install", managed.InstallRequest{Keys: keys}, nil)
}

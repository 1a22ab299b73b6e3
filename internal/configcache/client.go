package configcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Fetcher pulls configuration from the config plane. Workers never
// mutate through it; all reads are batched full snapshots.
type Fetcher interface {
	FetchStrategies(ctx context.Context) ([]model.Strategy, error)
	FetchAssignRules(ctx context.Context) ([]model.AssignRule, error)
	FetchUserGroups(ctx context.Context) ([]model.UserGroup, error)
	FetchShields(ctx context.Context) ([]model.Shield, error)
	FetchHosts(ctx context.Context) ([]model.Host, error)
	FetchTopology(ctx context.Context) ([]model.TopoNode, error)
	FetchServiceInstances(ctx context.Context) ([]model.ServiceInstance, error)
}

// HTTPFetcher is the production Fetcher over the config plane HTTP API.
type HTTPFetcher struct {
	base   string
	bearer string
	client *http.Client
}

func NewHTTPFetcher(base, bearer string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{
		base:   strings.TrimSuffix(base, "/"),
		bearer: bearer,
		client: &http.Client{Timeout: timeout},
	}
}

func getJSON[T any](ctx context.Context, f *HTTPFetcher, path string) ([]T, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+path, nil)
	if err != nil {
		return nil, err
	}
	if f.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+f.bearer)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("config plane GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("config plane GET %s: status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("config plane GET %s: decode: %w", path, err)
	}
	return out, nil
}

func (f *HTTPFetcher) FetchStrategies(ctx context.Context) ([]model.Strategy, error) {
	return getJSON[model.Strategy](ctx, f, "/strategies")
}

func (f *HTTPFetcher) FetchAssignRules(ctx context.Context) ([]model.AssignRule, error) {
	return getJSON[model.AssignRule](ctx, f, "/assign_rules")
}

func (f *HTTPFetcher) FetchUserGroups(ctx context.Context) ([]model.UserGroup, error) {
	return getJSON[model.UserGroup](ctx, f, "/user_groups")
}

func (f *HTTPFetcher) FetchShields(ctx context.Context) ([]model.Shield, error) {
	return getJSON[model.Shield](ctx, f, "/shields")
}

func (f *HTTPFetcher) FetchHosts(ctx context.Context) ([]model.Host, error) {
	return getJSON[model.Host](ctx, f, "/cmdb/hosts")
}

func (f *HTTPFetcher) FetchTopology(ctx context.Context) ([]model.TopoNode, error) {
	return getJSON[model.TopoNode](ctx, f, "/cmdb/topology")
}

func (f *HTTPFetcher) FetchServiceInstances(ctx context.Context) ([]model.ServiceInstance, error) {
	return getJSON[model.ServiceInstance](ctx, f, "/cmdb/service_instances")
}

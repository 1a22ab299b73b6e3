// Package access pulls raw measurements from datasources, cleans and
// enriches them, and feeds the normalized point stream.
package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Datasource answers range queries for one query config.
type Datasource interface {
	Query(ctx context.Context, qc *model.QueryConfig, start, end int64) ([]model.RawRecord, error)
}

// GatewayDatasource queries the metric aggregation gateway.
type GatewayDatasource struct {
	Client  *http.Client
	BaseURL string
}

func NewGatewayDatasource(baseURL string, timeout time.Duration) *GatewayDatasource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewayDatasource{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: baseURL,
	}
}

type gatewayQuery struct {
	MetricID   string                  `json:"metric_id"`
	TableID    string                  `json:"result_table_id"`
	Field      string                  `json:"metric_field"`
	Method     string                  `json:"agg_method"`
	Interval   int                     `json:"agg_interval"`
	Dimensions []string                `json:"agg_dimension"`
	Conditions []model.FilterCondition `json:"agg_condition,omitempty"`
	Start      int64                   `json:"start_time"`
	End        int64                   `json:"end_time"`
}

type gatewayResponse struct {
	Result  bool              `json:"result"`
	Message string            `json:"message"`
	Data    []model.RawRecord `json:"data"`
}

func (d *GatewayDatasource) Query(ctx context.Context, qc *model.QueryConfig, start, end int64) ([]model.RawRecord, error) {
	body, err := json.Marshal(gatewayQuery{
		MetricID:   qc.MetricID,
		TableID:    qc.TableID,
		Field:      qc.MetricField,
		Method:     qc.AggMethod,
		Interval:   qc.AggInterval,
		Dimensions: qc.AggDimensions,
		Conditions: qc.Conditions,
		Start:      start,
		End:        end,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/query_data", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, raw)
	}
	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if !out.Result {
		return nil, fmt.Errorf("gateway query failed: %s", out.Message)
	}
	return out.Data, nil
}

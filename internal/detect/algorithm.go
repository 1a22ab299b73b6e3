// Package detect evaluates configured detection algorithms against
// normalized data points and produces anomaly points with severity
// levels. Algorithm configs are compiled once per config snapshot; the
// hot path never parses JSON.
package detect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alertpipe/alertpipe/internal/model"
)

// Outcome is one algorithm's verdict for one point.
type Outcome struct {
	Anomalous bool
	Message   string
}

// Algorithm is a compiled detector for one algorithm config.
type Algorithm interface {
	// Name identifies the detect engine in anomaly points.
	Name() string
	Detect(ctx context.Context, point *model.DataPoint) (Outcome, error)
}

// HistoryProvider serves prior-cycle values for ratio algorithms.
type HistoryProvider interface {
	// ValueAt returns the series value at exactly ts, if known.
	ValueAt(ctx context.Context, strategyID, itemID int, dimsMD5 string, ts int64) (float64, bool, error)
}

// Compile turns a raw algorithm config into an executable detector.
// Unknown types are a permanent configuration error for the strategy.
func Compile(cfg *model.AlgorithmConfig, aggInterval int, history HistoryProvider) (Algorithm, error) {
	switch cfg.Type {
	case model.AlgoThreshold:
		return compileThreshold(cfg)
	case model.AlgoRingRatio, model.AlgoAdvancedRingRatio, model.AlgoSimpleRingRatio:
		return compileRatio(cfg, aggInterval, history, false)
	case model.AlgoYearOnYear, model.AlgoAdvancedYearOnYear, model.AlgoSimpleYearOnYear:
		return compileRatio(cfg, aggInterval, history, true)
	case model.AlgoIntelligentDetect:
		return compileIntelligent(cfg)
	default:
		return nil, fmt.Errorf("unknown algorithm type %q", cfg.Type)
	}
}

// decodeConfig round-trips the loosely-typed config map into a typed
// struct. Configs are tiny and compiled once, so the cost is irrelevant.
func decodeConfig(raw map[string]any, out any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func formatNumber(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	// trim trailing zeros the way dashboards render values
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/alertpipe/alertpipe/internal/model"
)

// thresholdConfig is an OR of AND-groups of comparison units.
type thresholdConfig struct {
	UnitGroups [][]thresholdUnit `json:"unit_groups"`
}

type thresholdUnit struct {
	Method    string  `json:"method"` // gt|gte|lt|lte|eq|neq
	Threshold float64 `json:"threshold"`
}

func (u *thresholdUnit) match(v float64) bool {
	switch u.Method {
	case "gt":
		return v > u.Threshold
	case "gte":
		return v >= u.Threshold
	case "lt":
		return v < u.Threshold
	case "lte":
		return v <= u.Threshold
	case "eq":
		return v == u.Threshold
	case "neq":
		return v != u.Threshold
	}
	return false
}

func (u *thresholdUnit) describe() string {
	ops := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<=", "eq": "=", "neq": "!="}
	op := ops[u.Method]
	if op == "" {
		op = u.Method
	}
	return fmt.Sprintf("%s %s", op, formatNumber(u.Threshold))
}

type thresholdDetector struct {
	groups [][]thresholdUnit
}

func compileThreshold(cfg *model.AlgorithmConfig) (Algorithm, error) {
	var tc thresholdConfig
	if err := decodeConfig(cfg.Config, &tc); err != nil {
		return nil, fmt.Errorf("threshold config: %w", err)
	}
	if len(tc.UnitGroups) == 0 {
		return nil, fmt.Errorf("threshold config: no unit groups")
	}
	for _, g := range tc.UnitGroups {
		if len(g) == 0 {
			return nil, fmt.Errorf("threshold config: empty unit group")
		}
		for _, u := range g {
			switch u.Method {
			case "gt", "gte", "lt", "lte", "eq", "neq":
			default:
				return nil, fmt.Errorf("threshold config: bad method %q", u.Method)
			}
		}
	}
	return &thresholdDetector{groups: tc.UnitGroups}, nil
}

func (d *thresholdDetector) Name() string { return model.AlgoThreshold }

func (d *thresholdDetector) Detect(_ context.Context, point *model.DataPoint) (Outcome, error) {
	for _, group := range d.groups {
		all := true
		parts := make([]string, 0, len(group))
		for i := range group {
			u := &group[i]
			if !u.match(point.Value) {
				all = false
				break
			}
			parts = append(parts, u.describe())
		}
		if all {
			return Outcome{
				Anomalous: true,
				Message: fmt.Sprintf("当前指标值(%s) %s",
					formatNumber(point.Value), strings.Join(parts, " 且 ")),
			}, nil
		}
	}
	return Outcome{}, nil
}

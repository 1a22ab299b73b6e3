package model

import (
	"fmt"
	"strings"
)

// Severity levels. Level 1 is the most severe.
const (
	LevelFatal   = 1
	LevelWarning = 2
	LevelRemind  = 3
)

// Algorithm type tags understood by the detect stage.
const (
	AlgoThreshold          = "Threshold"
	AlgoRingRatio          = "RingRatio"
	AlgoAdvancedRingRatio  = "AdvancedRingRatio"
	AlgoSimpleRingRatio    = "SimpleRingRatio"
	AlgoYearOnYear         = "YearOnYear"
	AlgoAdvancedYearOnYear = "AdvancedYearOnYear"
	AlgoSimpleYearOnYear   = "SimpleYearOnYear"
	AlgoIntelligentDetect  = "IntelligentDetect"
)

// Strategy is the user-authored alert rule, snapshotted by the config cache.
type Strategy struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	BkBizID  int    `json:"bk_biz_id"`
	Scenario string `json:"scenario"`
	Source   string `json:"source"`
	Type     string `json:"type"`
	IsEnabled bool  `json:"is_enabled"`
	Items    []Item `json:"items"`

	// Notice holds the default notice relation used when no assignment
	// rule matches.
	Notice NoticeRelation `json:"notice"`

	// Composite is non-nil for correlation strategies whose input is
	// other strategies' alerts rather than time series.
	Composite *CompositeConfig `json:"composite,omitempty"`
}

// Item is one evaluation unit inside a strategy.
type Item struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	StrategyID   int             `json:"strategy_id"`
	QueryConfigs []QueryConfig   `json:"query_configs"`
	Targets      []TargetFilter  `json:"target"`
	Algorithms   []AlgorithmConfig `json:"algorithms"`
	NoDataConfig NoDataConfig    `json:"no_data_config"`
	Expression   string          `json:"expression,omitempty"`
}

// QueryConfig describes a single datasource query of an item.
type QueryConfig struct {
	DataSourceLabel string            `json:"data_source_label"`
	DataTypeLabel   string            `json:"data_type_label"`
	TableID         string            `json:"result_table_id"`
	MetricField     string            `json:"metric_field"`
	MetricID        string            `json:"metric_id"`
	AggMethod       string            `json:"agg_method"`
	AggInterval     int               `json:"agg_interval"` // seconds
	AggDimensions   []string          `json:"agg_dimension"`
	Conditions      []FilterCondition `json:"agg_condition"`
}

// FilterCondition is one predicate applied at query time.
type FilterCondition struct {
	Key       string   `json:"key"`
	Method    string   `json:"method"` // eq|neq|include|exclude|gt|gte|lt|lte
	Values    []string `json:"value"`
	Condition string   `json:"condition,omitempty"` // and|or, joins with previous
}

// TargetFilter scopes an item to CMDB nodes or host IPs.
type TargetFilter struct {
	Field  string       `json:"field"`  // ip|bk_host_id|host_topo_node|service_topo_node
	Method string       `json:"method"` // include|exclude
	Values []TargetNode `json:"value"`
}

// TargetNode is one entry of a target scope.
type TargetNode struct {
	IP        string `json:"ip,omitempty"`
	BkCloudID int    `json:"bk_cloud_id,omitempty"`
	BkHostID  int    `json:"bk_host_id,omitempty"`
	BkObjID   string `json:"bk_obj_id,omitempty"`
	BkInstID  int    `json:"bk_inst_id,omitempty"`
}

// AlgorithmConfig is the raw per-level algorithm configuration. It is
// compiled once at snapshot time; workers never parse Config on the hot
// path.
type AlgorithmConfig struct {
	Type   string         `json:"type"`
	Level  int            `json:"level"`
	Config map[string]any `json:"config"`
	// Trigger window settings, shared by all algorithms of the level.
	TriggerCount   int `json:"trigger_count"`   // M anomalous cycles ...
	TriggerWindow  int `json:"trigger_window"`  // ... of the last N cycles
	RecoveryWindow int `json:"recovery_window"` // consecutive ok cycles to close
}

// NoDataConfig enables synthetic anomalies when a series stops reporting.
type NoDataConfig struct {
	IsEnabled  bool     `json:"is_enabled"`
	Continuous int      `json:"continuous"` // cycles without data before alerting
	Level      int      `json:"level"`
	AggDims    []string `json:"agg_dimension,omitempty"`
}

// NoticeRelation names the user group and notice channels of a strategy
// or assignment rule.
type NoticeRelation struct {
	UserGroupIDs    []int  `json:"user_group_ids"`
	Signal          []string `json:"signal"`
	UpgradeInterval int    `json:"upgrade_interval"` // minutes, 0 disables
	UpgradeGroupIDs []int  `json:"upgrade_user_group_ids"`
}

// CompositeConfig correlates a strategy with other strategies' alerts.
type CompositeConfig struct {
	// Expression is a boolean tree over input strategy conditions,
	// e.g. "A && B" where A, B are aliases bound in Conditions.
	Expression string               `json:"expression"`
	Conditions []CompositeCondition `json:"conditions"`
	// Level of the synthesized anomaly when the expression flips true.
	Level int `json:"level,omitempty"`
}

// CompositeCondition binds an expression alias to a source strategy.
type CompositeCondition struct {
	Alias      string `json:"alias"`
	StrategyID int    `json:"strategy_id"`
	// MaxLevel accepts an open alert only when its severity is at least
	// this severe (numerically <=). Zero accepts any level.
	MaxLevel int `json:"max_level"`
}

// StrategyGroupKey identifies the unit the access stage schedules and the
// token bucket throttles: all items of a strategy that share a query shape.
func StrategyGroupKey(strategyID int, qc *QueryConfig) string {
	return md5Hex(fmt.Sprintf("%d.%s.%s.%s.%d",
		strategyID, qc.DataSourceLabel, qc.TableID, qc.MetricField, qc.AggInterval))
}

// Validate reports configuration problems that make a strategy unusable.
func (s *Strategy) Validate() error {
	if s.Composite != nil {
		if s.Composite.Expression == "" || len(s.Composite.Conditions) == 0 {
			return fmt.Errorf("strategy %d: empty composite config", s.ID)
		}
		return nil
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("strategy %d: no items", s.ID)
	}
	for _, it := range s.Items {
		if len(it.QueryConfigs) == 0 {
			return fmt.Errorf("strategy %d item %d: no query configs", s.ID, it.ID)
		}
		for _, a := range it.Algorithms {
			if a.Level < LevelFatal || a.Level > LevelRemind {
				return fmt.Errorf("strategy %d item %d: bad level %d", s.ID, it.ID, a.Level)
			}
		}
	}
	return nil
}

// IsTimeSeries reports whether the strategy flows through the access data
// pipeline (as opposed to composite or event ingestion).
func (s *Strategy) IsTimeSeries() bool {
	if s.Composite != nil {
		return false
	}
	for _, it := range s.Items {
		for _, qc := range it.QueryConfigs {
			if strings.EqualFold(qc.DataTypeLabel, "time_series") {
				return true
			}
		}
	}
	return false
}

// IsPolled reports whether the access stage queries this strategy's
// datasource itself (time series and discrete events; pushed flows are
// not polled).
func (s *Strategy) IsPolled() bool {
	if s.Composite != nil {
		return false
	}
	for _, it := range s.Items {
		for _, qc := range it.QueryConfigs {
			if strings.EqualFold(qc.DataTypeLabel, "time_series") ||
				strings.EqualFold(qc.DataTypeLabel, "event") {
				return true
			}
		}
	}
	return false
}

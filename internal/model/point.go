package model

import "encoding/json"

// RawRecord is the ingress MQ payload shape.
type RawRecord struct {
	Time       int64             `json:"time"` // UTC seconds
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
	RecordID   string            `json:"record_id,omitempty"`
	MetricID   string            `json:"metric_id,omitempty"`
	// Values carries extra fields attached by upstream flows, e.g. the
	// intelligent detect output (is_anomaly, extra_info).
	Values map[string]json.RawMessage `json:"values,omitempty"`
}

// DataPoint is the normalized measurement flowing between stages.
type DataPoint struct {
	Timestamp  int64             `json:"timestamp"` // UTC seconds
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
	RecordID   string            `json:"record_id"`
	DimsMD5    string            `json:"dimensions_md5"`

	StrategyID int `json:"strategy_id"`
	ItemID     int `json:"item_id"`

	// Extra carries upstream annotations, keyed as in RawRecord.Values.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// AnomalyPoint is a DataPoint that matched an algorithm at some level.
type AnomalyPoint struct {
	DataPoint
	Level          int    `json:"level"`
	AnomalyMessage string `json:"anomaly_message"`
	DetectEngine   string `json:"detect_engine_name"`
}

// DetectResult is the per-point output of the detect stage consumed by
// trigger: the levels that matched (possibly none) for one point.
type DetectResult struct {
	Point     DataPoint      `json:"point"`
	Anomalies []AnomalyPoint `json:"anomalies"`
}

// Record kinds flowing into the alert manager.
const (
	RecordAnomaly  = "anomaly"
	RecordRecovery = "recovery"
	RecordAck      = "ack"
	RecordNoData   = "no_data"
)

// AnomalyRecord is the trigger stage output once a count window is
// satisfied, and the recovery counterpart.
type AnomalyRecord struct {
	Kind             string            `json:"kind"`
	StrategyID       int               `json:"strategy_id"`
	ItemID           int               `json:"item_id"`
	BkBizID          int               `json:"bk_biz_id"`
	DimsMD5          string            `json:"dimensions_md5"`
	Dimensions       map[string]string `json:"dimensions"`
	Level            int               `json:"level"`
	FirstAnomalyTime int64             `json:"first_anomaly_time"`
	LastAnomalyTime  int64             `json:"last_anomaly_time"`
	Value            float64           `json:"value"`
	Message          string            `json:"message"`
	DedupeMD5        string            `json:"dedupe_md5"`
	// RetryTimes bounds composite re-evaluation when the alert is not
	// yet visible in the index.
	RetryTimes int `json:"retry_times,omitempty"`
}

// Fingerprint fills DedupeMD5 from the identity fields.
func (r *AnomalyRecord) Fingerprint() {
	r.DedupeMD5 = DedupeMD5(r.StrategyID, r.ItemID, r.DimsMD5, r.Level)
}

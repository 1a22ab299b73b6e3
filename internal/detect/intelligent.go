package detect

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alertpipe/alertpipe/internal/model"
)

// intelligentDetector forwards anomalies already flagged by the upstream
// model-serving flow. The point carries is_anomaly plus extra_info with
// the score and a message from the model.
type intelligentDetector struct{}

func compileIntelligent(_ *model.AlgorithmConfig) (Algorithm, error) {
	return &intelligentDetector{}, nil
}

func (d *intelligentDetector) Name() string { return model.AlgoIntelligentDetect }

type intelligentExtra struct {
	AnomalyScore float64 `json:"anomaly_score"`
	AlertMsg     string  `json:"alert_msg"`
}

func (d *intelligentDetector) Detect(_ context.Context, point *model.DataPoint) (Outcome, error) {
	raw, ok := point.Extra["is_anomaly"]
	if !ok {
		return Outcome{}, nil
	}
	var flag int
	if err := json.Unmarshal(raw, &flag); err != nil || flag != 1 {
		return Outcome{}, nil
	}
	var extra intelligentExtra
	if rawExtra, ok := point.Extra["extra_info"]; ok {
		// extra_info arrives either as an object or as an escaped JSON string
		if err := json.Unmarshal(rawExtra, &extra); err != nil {
			var s string
			if err := json.Unmarshal(rawExtra, &s); err == nil {
				_ = json.Unmarshal([]byte(s), &extra)
			}
		}
	}
	msg := fmt.Sprintf("智能模型检测到异常, 异常类型: %s, 异常分值: %s",
		extra.AlertMsg, formatNumber(extra.AnomalyScore))
	return Outcome{Anomalous: true, Message: msg}, nil
}

package detect

import (
	"context"
	"fmt"

	"github.com/alertpipe/alertpipe/internal/model"
)

const oneDay = 86400

// ratioConfig drives the ring-ratio and year-on-year families. Ceil
// bounds the allowed rise percentage, floor the allowed drop. The
// advanced variants compare against the avg (or last) of several prior
// cycles; the simple variants fix the lookback to one cycle.
type ratioConfig struct {
	Floor         float64 `json:"floor"`
	Ceil          float64 `json:"ceil"`
	FloorInterval int     `json:"floor_interval"`
	CeilInterval  int     `json:"ceil_interval"`
	FetchType     string  `json:"fetch_type"` // avg|last
}

type ratioDetector struct {
	name        string
	cfg         ratioConfig
	aggInterval int
	// cycleStep is aggInterval for ring family, one day for year-on-year.
	cycleStep int64
	yearly    bool
	history   HistoryProvider
}

func compileRatio(cfg *model.AlgorithmConfig, aggInterval int, history HistoryProvider, yearly bool) (Algorithm, error) {
	var rc ratioConfig
	if err := decodeConfig(cfg.Config, &rc); err != nil {
		return nil, fmt.Errorf("%s config: %w", cfg.Type, err)
	}
	if rc.Ceil <= 0 && rc.Floor <= 0 {
		return nil, fmt.Errorf("%s config: floor and ceil both unset", cfg.Type)
	}
	if rc.CeilInterval <= 0 {
		rc.CeilInterval = 1
	}
	if rc.FloorInterval <= 0 {
		rc.FloorInterval = 1
	}
	if rc.FetchType == "" {
		rc.FetchType = "avg"
	}
	switch cfg.Type {
	case model.AlgoSimpleRingRatio, model.AlgoSimpleYearOnYear:
		rc.CeilInterval = 1
		rc.FloorInterval = 1
		rc.FetchType = "last"
	}
	if aggInterval <= 0 {
		aggInterval = 60
	}
	step := int64(aggInterval)
	if yearly {
		step = oneDay
	}
	return &ratioDetector{
		name:        cfg.Type,
		cfg:         rc,
		aggInterval: aggInterval,
		cycleStep:   step,
		yearly:      yearly,
		history:     history,
	}, nil
}

func (d *ratioDetector) Name() string { return d.name }

// LookbackSeconds is the oldest history offset the detector reads,
// bounding how long written values must stay retrievable.
func (d *ratioDetector) LookbackSeconds() int64 {
	return int64(max(d.cfg.CeilInterval, d.cfg.FloorInterval)) * d.cycleStep
}

// reference fetches the comparison value over the last n cycles. A single
// missing cycle fails the lookback; detection then reports no anomaly.
func (d *ratioDetector) reference(ctx context.Context, p *model.DataPoint, n int) (float64, bool, error) {
	if d.cfg.FetchType == "last" {
		v, ok, err := d.history.ValueAt(ctx, p.StrategyID, p.ItemID, p.DimsMD5, p.Timestamp-int64(n)*d.cycleStep)
		return v, ok, err
	}
	var sum float64
	for i := 1; i <= n; i++ {
		v, ok, err := d.history.ValueAt(ctx, p.StrategyID, p.ItemID, p.DimsMD5, p.Timestamp-int64(i)*d.cycleStep)
		if err != nil || !ok {
			return 0, false, err
		}
		sum += v
	}
	return sum / float64(n), true, nil
}

func (d *ratioDetector) unitWord() string {
	if d.yearly {
		return "天"
	}
	return "个周期"
}

func (d *ratioDetector) Detect(ctx context.Context, point *model.DataPoint) (Outcome, error) {
	if d.cfg.Ceil > 0 {
		ref, ok, err := d.reference(ctx, point, d.cfg.CeilInterval)
		if err != nil {
			return Outcome{}, err
		}
		if ok && ref != 0 && point.Value >= ref*(1+d.cfg.Ceil/100) {
			return Outcome{
				Anomalous: true,
				Message: fmt.Sprintf("较前%d%s均值(%s)上升超过%s%%, 当前值%s",
					d.cfg.CeilInterval, d.unitWord(), formatNumber(ref),
					formatNumber(d.cfg.Ceil), formatNumber(point.Value)),
			}, nil
		}
	}
	if d.cfg.Floor > 0 {
		ref, ok, err := d.reference(ctx, point, d.cfg.FloorInterval)
		if err != nil {
			return Outcome{}, err
		}
		if ok && ref != 0 && point.Value <= ref*(1-d.cfg.Floor/100) {
			return Outcome{
				Anomalous: true,
				Message: fmt.Sprintf("较前%d%s均值(%s)下降超过%s%%, 当前值%s",
					d.cfg.FloorInterval, d.unitWord(), formatNumber(ref),
					formatNumber(d.cfg.Floor), formatNumber(point.Value)),
			}, nil
		}
	}
	return Outcome{}, nil
}

package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ strategies map[int]*model.Strategy }

func (s *staticSource) Strategy(id int) *model.Strategy { return s.strategies[id] }

func thresholdStrategy(triggerCount, triggerWindow, recoveryWindow int) *model.Strategy {
	return &model.Strategy{
		ID: 1, BkBizID: 2, IsEnabled: true,
		Items: []model.Item{{
			ID: 11, StrategyID: 1,
			QueryConfigs: []model.QueryConfig{{DataTypeLabel: "time_series", AggInterval: 60}},
			Algorithms: []model.AlgorithmConfig{{
				Type: model.AlgoThreshold, Level: 2,
				TriggerCount: triggerCount, TriggerWindow: triggerWindow, RecoveryWindow: recoveryWindow,
			}},
		}},
	}
}

type harness struct {
	worker *Worker
	queues *queue.Queues
	dims   map[string]string
	dimsMD5 string
}

func newHarness(t *testing.T, s *model.Strategy) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	q := queue.New(rdb, "test", 1, 1000)
	dims := map[string]string{"ip": "10.0.0.1"}
	return &harness{
		worker:  NewWorker(&staticSource{strategies: map[int]*model.Strategy{s.ID: s}}, rdb, q, nil),
		queues:  q,
		dims:    dims,
		dimsMD5: model.DimensionsMD5(dims),
	}
}

// feed runs one cycle through the trigger: anomalous when level != 0.
func (h *harness) feed(t *testing.T, ts int64, value float64, level int) {
	t.Helper()
	p := model.DataPoint{
		Timestamp: ts, Value: value,
		Dimensions: h.dims, DimsMD5: h.dimsMD5,
		StrategyID: 1, ItemID: 11,
	}
	result := model.DetectResult{Point: p}
	if level != 0 {
		result.Anomalies = []model.AnomalyPoint{{
			DataPoint: p, Level: level, AnomalyMessage: "当前指标值超过阈值",
		}}
	}
	require.NoError(t, h.worker.Process(context.Background(), &result))
}

func (h *harness) drainRecords(t *testing.T) []model.AnomalyRecord {
	t.Helper()
	ctx := context.Background()
	c, err := h.queues.NewConsumer(ctx, queue.StreamAnomaly, 0, "test", "t0")
	require.NoError(t, err)
	msgs, err := c.Fetch(ctx, 100, 10*time.Millisecond)
	require.NoError(t, err)
	out := make([]model.AnomalyRecord, 0, len(msgs))
	for _, m := range msgs {
		var r model.AnomalyRecord
		require.NoError(t, json.Unmarshal(m.Payload, &r))
		out = append(out, r)
	}
	return out
}

func TestTwoOfThreeRoundTrip(t *testing.T) {
	// 阈值 2-of-3, 序列 [50,120,140,90,70]: 第三个点开启, 两个安全点后恢复
	h := newHarness(t, thresholdStrategy(2, 3, 2))

	h.feed(t, 0, 50, 0)
	h.feed(t, 60, 120, 2)
	assert.Empty(t, h.drainRecords(t))

	h.feed(t, 120, 140, 2)
	records := h.drainRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordAnomaly, records[0].Kind)
	assert.Equal(t, 2, records[0].Level)
	assert.Equal(t, int64(60), records[0].FirstAnomalyTime)
	assert.Equal(t, int64(120), records[0].LastAnomalyTime)
	assert.Equal(t, model.DedupeMD5(1, 11, h.dimsMD5, 2), records[0].DedupeMD5)

	h.feed(t, 180, 90, 0)
	assert.Empty(t, h.drainRecords(t))

	h.feed(t, 240, 70, 0)
	records = h.drainRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordRecovery, records[0].Kind)
	assert.Contains(t, records[0].Message, "告警恢复")
}

func TestThreeOfFiveScenario(t *testing.T) {
	// trigger 3-of-5, recovery 2, 序列 [85,91,92,93,70,70]
	h := newHarness(t, thresholdStrategy(3, 5, 2))
	levels := []int{0, 2, 2, 2, 0, 0}
	values := []float64{85, 91, 92, 93, 70, 70}

	var got []model.AnomalyRecord
	for i := range levels {
		h.feed(t, int64(i*60), values[i], levels[i])
		got = append(got, h.drainRecords(t)...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, model.RecordAnomaly, got[0].Kind)
	assert.Equal(t, int64(180), got[0].LastAnomalyTime) // opens at t=180 (third hit)
	assert.Equal(t, model.RecordRecovery, got[1].Kind)
	assert.Equal(t, int64(300), got[1].LastAnomalyTime)
}

func TestNoDuplicateOpen(t *testing.T) {
	h := newHarness(t, thresholdStrategy(1, 1, 2))
	h.feed(t, 0, 100, 2)
	h.feed(t, 60, 100, 2)
	h.feed(t, 120, 100, 2)
	records := h.drainRecords(t)
	require.Len(t, records, 1)
}

func TestSevereAnomalyCountsForLowerWindows(t *testing.T) {
	s := thresholdStrategy(1, 1, 2)
	s.Items[0].Algorithms = append(s.Items[0].Algorithms, model.AlgorithmConfig{
		Type: model.AlgoThreshold, Level: 1,
		TriggerCount: 1, TriggerWindow: 1, RecoveryWindow: 2,
	})
	h := newHarness(t, s)

	// level-1 anomaly opens both the level-1 and level-2 windows
	h.feed(t, 0, 200, 1)
	records := h.drainRecords(t)
	require.Len(t, records, 2)
	levels := []int{records[0].Level, records[1].Level}
	assert.ElementsMatch(t, []int{1, 2}, levels)
}

func TestRecoveryRequiresConsecutiveClean(t *testing.T) {
	h := newHarness(t, thresholdStrategy(1, 1, 3))
	h.feed(t, 0, 100, 2)
	require.Len(t, h.drainRecords(t), 1)

	// clean, clean, anomalous resets the consecutive counter
	h.feed(t, 60, 10, 0)
	h.feed(t, 120, 10, 0)
	h.feed(t, 180, 100, 2)
	h.feed(t, 240, 10, 0)
	h.feed(t, 300, 10, 0)
	assert.Empty(t, h.drainRecords(t))

	h.feed(t, 360, 10, 0)
	records := h.drainRecords(t)
	require.Len(t, records, 1)
	assert.Equal(t, model.RecordRecovery, records[0].Kind)
}

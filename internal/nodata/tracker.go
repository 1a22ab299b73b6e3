// Package nodata synthesizes anomaly records for series that stop
// reporting. Access marks what it sees; a single elected checker scans
// for series gone quiet.
package nodata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alertpipe/alertpipe/internal/model"
)

func seenKey(strategyID, itemID int) string {
	return fmt.Sprintf("alertpipe:nodata:seen:%d:%d", strategyID, itemID)
}

func runKey(strategyID int) string {
	return fmt.Sprintf("alertpipe:access:run_ts:%d", strategyID)
}

func openKey(dedupeMD5 string) string {
	return "alertpipe:nodata:open:" + dedupeMD5
}

// seenEntry is what access records per observed dimension set.
type seenEntry struct {
	Timestamp  int64             `json:"ts"`
	Dimensions map[string]string `json:"dims"`
}

// Tracker is the access-side write path of no-data bookkeeping.
type Tracker struct {
	rdb *redis.Client
}

func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb}
}

// Observe marks a dimension set as alive at the point's timestamp.
func (t *Tracker) Observe(ctx context.Context, p *model.DataPoint) error {
	entry, err := json.Marshal(seenEntry{Timestamp: p.Timestamp, Dimensions: p.Dimensions})
	if err != nil {
		return err
	}
	key := seenKey(p.StrategyID, p.ItemID)
	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, key, p.DimsMD5, entry)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err = pipe.Exec(ctx)
	return err
}

// MarkRun records that access completed a poll for the strategy. The
// checker refuses to judge strategies whose access is not running.
func (t *Tracker) MarkRun(ctx context.Context, strategyID int, ts time.Time) error {
	return t.rdb.Set(ctx, runKey(strategyID), ts.Unix(), 24*time.Hour).Err()
}

package alertmgr

import (
	"strconv"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/model"
)

// MatchShield returns the first shield covering the alert at ts, or nil.
// A shielded alert is still recorded; only its actions are skipped.
func MatchShield(snap *configcache.Snapshot, alert *model.Alert, ts int64) *model.Shield {
	for i := range snap.Shields {
		s := &snap.Shields[i]
		if !s.Active(ts) {
			continue
		}
		if s.BkBizID != 0 && s.BkBizID != alert.BkBizID {
			continue
		}
		switch s.Category {
		case "scope":
			// biz-wide shield, the biz check above is the whole match
		case "strategy":
			if !containsInt(s.StrategyIDs, alert.StrategyID) {
				continue
			}
		case "dimension":
			if !EvalConditions(s.Dimensions, shieldFields(alert)) {
				continue
			}
		default:
			continue
		}
		return s
	}
	return nil
}

func shieldFields(alert *model.Alert) map[string]string {
	fields := make(map[string]string, len(alert.Dimensions)+2)
	for k, v := range alert.Dimensions {
		fields[k] = v
	}
	fields["strategy_id"] = strconv.Itoa(alert.StrategyID)
	fields["level"] = strconv.Itoa(alert.Severity)
	return fields
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

package alertmgr

import (
	"strconv"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/model"
)

// Assignment is the resolved outcome of rule matching for one alert.
type Assignment struct {
	Rule       *model.AssignRule // nil when falling back to strategy notice
	UserGroups []int
	// Upgrade settings effective for this alert.
	UpgradeInterval int // minutes, 0 disables
	UpgradeGroups   []int
}

// Assign walks assignment rules in priority order; the first rule whose
// conditions all match wins. Without a match the strategy's own notice
// relation applies.
func Assign(snap *configcache.Snapshot, strategy *model.Strategy, alert *model.Alert) Assignment {
	fields := make(map[string]string, len(alert.Dimensions)+3)
	for k, v := range alert.Dimensions {
		fields[k] = v
	}
	fields["strategy_id"] = strconv.Itoa(alert.StrategyID)
	fields["alert_severity"] = strconv.Itoa(alert.Severity)
	fields["alert_name"] = alert.AlertName

	for i := range snap.AssignRules {
		r := &snap.AssignRules[i]
		if r.BkBizID != 0 && r.BkBizID != alert.BkBizID {
			continue
		}
		if !EvalConditions(r.Conditions, fields) {
			continue
		}
		applyGroups(snap, alert, r.UserGroups)
		return Assignment{
			Rule:            r,
			UserGroups:      r.UserGroups,
			UpgradeInterval: r.UpgradeInterval,
			UpgradeGroups:   r.UpgradeGroups,
		}
	}

	var a Assignment
	if strategy != nil {
		a.UserGroups = strategy.Notice.UserGroupIDs
		a.UpgradeInterval = strategy.Notice.UpgradeInterval
		a.UpgradeGroups = strategy.Notice.UpgradeGroupIDs
		applyGroups(snap, alert, a.UserGroups)
	}
	return a
}

// applyGroups fills appointee from the matched groups. The first group's
// members become appointees, the remainder supervisors.
func applyGroups(snap *configcache.Snapshot, alert *model.Alert, groupIDs []int) {
	alert.Appointee = nil
	alert.Supervisor = nil
	for i, id := range groupIDs {
		g := snap.UserGroups[id]
		if g == nil {
			continue
		}
		if i == 0 {
			alert.Appointee = append(alert.Appointee, g.Members...)
		} else {
			alert.Supervisor = append(alert.Supervisor, g.Members...)
		}
	}
	alert.Assignee = append(append([]string{}, alert.Appointee...), alert.Supervisor...)
}

// Receivers flattens group ids to unique member names for an action.
func Receivers(snap *configcache.Snapshot, groupIDs []int) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range groupIDs {
		g := snap.UserGroups[id]
		if g == nil {
			continue
		}
		for _, m := range g.Members {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

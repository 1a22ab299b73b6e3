package access

import (
	"strconv"
	"time"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/model"
)

// Filter is one stage of the access cleaning chain. Keep reports whether
// the point continues down the pipeline.
type Filter interface {
	Name() string
	Keep(p *model.DataPoint, item *model.Item) bool
}

// ExpireFilter drops points older than the retention horizon.
type ExpireFilter struct {
	Now func() time.Time
}

func (f *ExpireFilter) Name() string { return "expire" }

func (f *ExpireFilter) Keep(p *model.DataPoint, item *model.Item) bool {
	interval := 60
	if len(item.QueryConfigs) > 0 && item.QueryConfigs[0].AggInterval > 0 {
		interval = item.QueryConfigs[0].AggInterval
	}
	horizon := int64(10 * interval)
	if horizon < 1800 {
		horizon = 1800
	}
	return f.Now().Unix()-p.Timestamp <= horizon
}

// RangeFilter drops points whose dimensions fall outside the item's
// target scope. Dropped points still count as seen for no-data.
type RangeFilter struct {
	Snap *configcache.Snapshot
}

func (f *RangeFilter) Name() string { return "range" }

func (f *RangeFilter) Keep(p *model.DataPoint, item *model.Item) bool {
	if len(item.Targets) == 0 {
		return true
	}
	for i := range item.Targets {
		if !f.matchTarget(p, &item.Targets[i]) {
			return false
		}
	}
	return true
}

func (f *RangeFilter) matchTarget(p *model.DataPoint, t *model.TargetFilter) bool {
	in := f.inScope(p, t)
	if t.Method == "exclude" {
		return !in
	}
	return in
}

func (f *RangeFilter) inScope(p *model.DataPoint, t *model.TargetFilter) bool {
	switch t.Field {
	case "ip":
		ip, cloud := pointAddr(p)
		for _, v := range t.Values {
			if v.IP == ip && v.BkCloudID == cloud {
				return true
			}
		}
	case "bk_host_id":
		host := pointHost(f.Snap, p)
		if host == nil {
			return false
		}
		for _, v := range t.Values {
			if v.BkHostID == host.BkHostID {
				return true
			}
		}
	case "host_topo_node", "service_topo_node":
		host := pointHost(f.Snap, p)
		if host == nil {
			return false
		}
		for _, v := range t.Values {
			want := model.TopoNode{BkObjID: v.BkObjID, BkInstID: v.BkInstID}
			for _, node := range host.TopoNodes {
				if node == want.Key() {
					return true
				}
			}
		}
	}
	return false
}

// HostStatusFilter drops points from hosts in a maintenance state.
type HostStatusFilter struct {
	Snap *configcache.Snapshot
}

func (f *HostStatusFilter) Name() string { return "host_status" }

func (f *HostStatusFilter) Keep(p *model.DataPoint, _ *model.Item) bool {
	host := pointHost(f.Snap, p)
	return host == nil || !host.IgnoreMonitoring
}

func pointAddr(p *model.DataPoint) (string, int) {
	ip := p.Dimensions["bk_target_ip"]
	if ip == "" {
		ip = p.Dimensions["ip"]
	}
	cloud := 0
	if raw, ok := p.Dimensions["bk_target_cloud_id"]; ok {
		cloud, _ = strconv.Atoi(raw)
	} else if raw, ok := p.Dimensions["bk_cloud_id"]; ok {
		cloud, _ = strconv.Atoi(raw)
	}
	return ip, cloud
}

func pointHost(snap *configcache.Snapshot, p *model.DataPoint) *model.Host {
	if raw, ok := p.Dimensions["bk_host_id"]; ok {
		if id, err := strconv.Atoi(raw); err == nil {
			if h := snap.HostsByID[id]; h != nil {
				return h
			}
		}
	}
	ip, cloud := pointAddr(p)
	if ip == "" {
		return nil
	}
	return snap.Hosts[model.HostKey(ip, cloud)]
}

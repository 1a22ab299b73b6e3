package alertmgr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/model"
)

// Enrich resolves CMDB facts for a freshly opened alert. Dimensions are
// never mutated, the identity hash depends on them; resolved facts land
// in ExtraInfo and Tags instead.
func Enrich(snap *configcache.Snapshot, alert *model.Alert) {
	if alert.ExtraInfo == nil {
		alert.ExtraInfo = map[string]any{}
	}
	if alert.Tags == nil {
		alert.Tags = map[string]string{}
	}

	host := lookupHost(snap, alert.Dimensions)
	if host != nil {
		alert.ExtraInfo["bk_host_id"] = host.BkHostID
		if alert.BkBizID == 0 {
			alert.BkBizID = host.BkBizID
		}
		if names := topoNodeNames(snap, host.TopoNodes); len(names) > 0 {
			alert.ExtraInfo["topo_nodes"] = names
		}
	}

	if node, ok := alert.Dimensions["bk_topo_node"]; ok {
		if tn := snap.Topology[node]; tn != nil {
			alert.Tags["bk_topo_node_name"] = fmt.Sprintf("%s - %s", tn.BkObjID, tn.InstName)
		}
	}

	// BCS 集群维度只做展示翻译
	if cluster, ok := alert.Dimensions["bcs_cluster_id"]; ok && cluster != "" {
		alert.Tags["bcs_cluster"] = cluster
		alert.Labels = appendUnique(alert.Labels, "bcs")
	}

	if siID, ok := alert.Dimensions["service_instance_id"]; ok {
		if id, err := strconv.Atoi(siID); err == nil {
			if si := snap.ServiceInstances[id]; si != nil {
				alert.Tags["service_instance_name"] = si.Name
			}
		}
	}
}

func lookupHost(snap *configcache.Snapshot, dims map[string]string) *model.Host {
	if raw, ok := dims["bk_host_id"]; ok {
		if id, err := strconv.Atoi(raw); err == nil {
			if h := snap.HostsByID[id]; h != nil {
				return h
			}
		}
	}
	ip := dims["bk_target_ip"]
	if ip == "" {
		ip = dims["ip"]
	}
	if ip == "" {
		return nil
	}
	cloud := 0
	if raw, ok := dims["bk_target_cloud_id"]; ok {
		cloud, _ = strconv.Atoi(raw)
	} else if raw, ok := dims["bk_cloud_id"]; ok {
		cloud, _ = strconv.Atoi(raw)
	}
	return snap.Hosts[model.HostKey(ip, cloud)]
}

func topoNodeNames(snap *configcache.Snapshot, keys []string) []string {
	var names []string
	for _, k := range keys {
		if tn := snap.Topology[k]; tn != nil {
			names = append(names, tn.InstName)
		} else if parts := strings.SplitN(k, "|", 2); len(parts) == 2 {
			names = append(names, k)
		}
	}
	return names
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

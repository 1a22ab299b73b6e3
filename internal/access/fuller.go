package access

import (
	"encoding/json"
	"strconv"

	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/model"
)

// Fuller augments point dimensions with CMDB facts before the identity
// hash is computed.
type Fuller interface {
	Fill(p *model.DataPoint)
}

// HostFuller resolves bk_host_id from IP and attaches the host's
// topology node keys.
type HostFuller struct {
	Snap *configcache.Snapshot
}

func (f *HostFuller) Fill(p *model.DataPoint) {
	host := pointHost(f.Snap, p)
	if host == nil {
		return
	}
	if _, ok := p.Dimensions["bk_host_id"]; !ok {
		p.Dimensions["bk_host_id"] = strconv.Itoa(host.BkHostID)
	}
	attachTopoNodes(p, host.TopoNodes)
}

// ServiceInstanceFuller expands service instance dimensions to the
// owning host and its topology link.
type ServiceInstanceFuller struct {
	Snap *configcache.Snapshot
}

func (f *ServiceInstanceFuller) Fill(p *model.DataPoint) {
	raw, ok := p.Dimensions["service_instance_id"]
	if !ok {
		return
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	si := f.Snap.ServiceInstances[id]
	if si == nil {
		return
	}
	if _, ok := p.Dimensions["bk_host_id"]; !ok && si.BkHostID != 0 {
		p.Dimensions["bk_host_id"] = strconv.Itoa(si.BkHostID)
	}
	attachTopoNodes(p, si.TopoNodes)
}

func attachTopoNodes(p *model.DataPoint, nodes []string) {
	if len(nodes) == 0 {
		return
	}
	raw, err := json.Marshal(nodes)
	if err != nil {
		return
	}
	if p.Extra == nil {
		p.Extra = map[string]json.RawMessage{}
	}
	p.Extra["topo_nodes"] = raw
}

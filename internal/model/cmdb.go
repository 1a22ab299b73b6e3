package model

import "fmt"

// Host is the CMDB host fact used by the access fuller chain and the
// host-status filter.
type Host struct {
	BkHostID   int    `json:"bk_host_id"`
	IP         string `json:"bk_host_innerip"`
	BkCloudID  int    `json:"bk_cloud_id"`
	BkBizID    int    `json:"bk_biz_id"`
	AgentID    string `json:"bk_agent_id,omitempty"`
	// IgnoreMonitoring is set for hosts in a maintenance state; their
	// points are dropped at access.
	IgnoreMonitoring bool `json:"ignore_monitoring"`
	// TopoNodes are the "obj|inst" topology node keys the host belongs to.
	TopoNodes []string `json:"topo_nodes"`
}

// HostKey joins IP and cloud id, the lookup key when bk_host_id is absent.
func HostKey(ip string, cloudID int) string {
	return fmt.Sprintf("%s|%d", ip, cloudID)
}

// TopoNode is one node of the business topology tree.
type TopoNode struct {
	BkObjID   string `json:"bk_obj_id"`
	BkInstID  int    `json:"bk_inst_id"`
	InstName  string `json:"bk_inst_name"`
	ParentKey string `json:"parent_key,omitempty"`
}

// Key is the canonical "obj|inst" form stored on hosts and dimensions.
func (n *TopoNode) Key() string { return fmt.Sprintf("%s|%d", n.BkObjID, n.BkInstID) }

// ServiceInstance links a service to its host and topology placement.
type ServiceInstance struct {
	ID        int      `json:"service_instance_id"`
	Name      string   `json:"name"`
	BkHostID  int      `json:"bk_host_id"`
	TopoNodes []string `json:"topo_nodes"`
}

// UserGroup resolves to concrete receivers at dispatch time.
type UserGroup struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Members  []string `json:"members"`
	Channels []string `json:"channels,omitempty"` // notice channel ids
}

// AssignRule is one rule in a priority-ordered assignment group.
type AssignRule struct {
	ID         int               `json:"id"`
	GroupID    int               `json:"assign_group_id"`
	Priority   int               `json:"priority"`
	BkBizID    int               `json:"bk_biz_id"`
	IsEnabled  bool              `json:"is_enabled"`
	Conditions []FilterCondition `json:"conditions"`
	UserGroups []int             `json:"user_groups"`
	// Actions may override the strategy notice relation.
	UpgradeInterval int   `json:"upgrade_interval"` // minutes
	UpgradeGroups   []int `json:"upgrade_user_groups"`
}

// Shield silences matching alerts for a time window.
type Shield struct {
	ID         int               `json:"id"`
	BkBizID    int               `json:"bk_biz_id"`
	Category   string            `json:"category"` // scope|strategy|dimension
	StrategyIDs []int            `json:"strategy_ids,omitempty"`
	Dimensions []FilterCondition `json:"dimension_conditions,omitempty"`
	BeginTime  int64             `json:"begin_time"`
	EndTime    int64             `json:"end_time"`
}

// Active reports whether the shield covers instant ts.
func (s *Shield) Active(ts int64) bool {
	return ts >= s.BeginTime && (s.EndTime == 0 || ts < s.EndTime)
}

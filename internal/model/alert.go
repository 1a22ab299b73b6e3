package model

// Alert status and stage values.
const (
	StatusAbnormal  = "ABNORMAL"
	StatusRecovered = "RECOVERED"
	StatusClosed    = "CLOSED"

	StageNew        = "NEW"
	StageChecking   = "CHECKING"
	StageRecovering = "RECOVERING"
	StageClosed     = "CLOSED"
)

// Alert is the user-visible incident aggregating anomaly records that
// share a dedup key.
type Alert struct {
	ID               string            `json:"id"`
	AlertName        string            `json:"alert_name"`
	DedupeMD5        string            `json:"dedupe_md5"`
	Severity         int               `json:"severity"`
	Status           string            `json:"status"`
	Stage            string            `json:"stage"`
	BeginTime        int64             `json:"begin_time"`
	EndTime          int64             `json:"end_time,omitempty"`
	FirstAnomalyTime int64             `json:"first_anomaly_time"`
	LastAnomalyTime  int64             `json:"last_anomaly_time"`
	Duration         int64             `json:"duration"`
	EventCount       int64             `json:"event_count"`
	StrategyID       int               `json:"strategy_id"`
	ItemID           int               `json:"item_id"`
	BkBizID          int               `json:"bk_biz_id"`
	Dimensions       map[string]string `json:"dimensions"`
	Tags             map[string]string `json:"tags,omitempty"`
	Assignee         []string          `json:"assignee,omitempty"`
	Appointee        []string          `json:"appointee,omitempty"`
	Supervisor       []string          `json:"supervisor,omitempty"`
	Labels           []string          `json:"labels,omitempty"`
	ExtraInfo        map[string]any    `json:"extra_info,omitempty"`

	// LastUpgradeGroup remembers the most recent escalation target so an
	// upgrade is pushed at most once per group.
	LastUpgradeGroup int   `json:"last_upgrade_group,omitempty"`
	LastUpgradeTime  int64 `json:"last_upgrade_time,omitempty"`
}

// IsOpen reports whether the alert still owns its dedup key. RECOVERED
// and CLOSED are both terminal; a new anomaly on the same key opens a
// fresh alert.
func (a *Alert) IsOpen() bool { return a.Status == StatusAbnormal }

// AlertTransition is published after every alert state change, consumed
// by the composite worker.
type AlertTransition struct {
	AlertID    string `json:"alert_id"`
	StrategyID int    `json:"strategy_id"`
	ItemID     int    `json:"item_id"`
	BkBizID    int    `json:"bk_biz_id"`
	DedupeMD5  string `json:"dedupe_md5"`
	Status     string `json:"status"`
	Severity   int    `json:"severity"`
	Timestamp  int64  `json:"timestamp"`
	// RetryTimes bounds composite re-scheduling when the index has not
	// caught up yet.
	RetryTimes int `json:"retry_times,omitempty"`
}

// Action signals.
const (
	SignalAbnormal  = "ABNORMAL"
	SignalRecovered = "RECOVERED"
	SignalClosed    = "CLOSED"
	SignalAck       = "ACK"
	SignalUpgrade   = "UPGRADE"
	SignalDemo      = "DEMO"
)

// Action status values. RECEIVED/WAITING/RUNNING are transient,
// SUCCESS/FAILURE/SKIPPED terminal.
const (
	ActionReceived = "RECEIVED"
	ActionWaiting  = "WAITING"
	ActionRunning  = "RUNNING"
	ActionSuccess  = "SUCCESS"
	ActionFailure  = "FAILURE"
	ActionSkipped  = "SKIPPED"
)

// Plugin types resolvable by the dispatcher.
const (
	PluginNotice       = "notice"
	PluginWebhook      = "webhook"
	PluginMessageQueue = "message_queue"
)

// Action is a request to execute a notification, webhook or remediation.
type Action struct {
	ID          string         `json:"id"`
	Signal      string         `json:"signal"`
	AlertIDs    []string       `json:"alert_ids"`
	StrategyID  int            `json:"strategy_id"`
	BkBizID     int            `json:"bk_biz_id"`
	RelationID  int            `json:"relation_id"`
	NoticeType  string         `json:"notice_type"`
	Status      string         `json:"status"`
	PluginType  string         `json:"plugin_type"`
	Execution   map[string]any `json:"execution_config,omitempty"`
	CreateTime  int64          `json:"create_time"`
	EndTime     int64          `json:"end_time,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms,omitempty"`
	Receivers   []string       `json:"receivers,omitempty"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content,omitempty"`
	// ResponseExcerpt keeps at most 200 chars of the plugin response.
	ResponseExcerpt string `json:"response_excerpt,omitempty"`
	RetryCount      int    `json:"retry_count,omitempty"`
}

// Terminal reports whether the action reached a final status.
func (a *Action) Terminal() bool {
	switch a.Status {
	case ActionSuccess, ActionFailure, ActionSkipped:
		return true
	}
	return false
}

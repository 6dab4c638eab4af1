package mq

import "time"

// 项目事件的 routing key
const (
	RoutingKeyProjectInitialized = "project.initialized"
	RoutingKeyProjectPaused      = "project.paused"
	RoutingKeyDonation           = "project.donation"
	RoutingKeyMilestoneCompleted = "project.milestone_completed"

	// AuditBindingKey 审计消费者订阅全部项目事件
	AuditBindingKey = "project.#"
)

// ProjectInitializedPayload 项目创建事件
type ProjectInitializedPayload struct {
	Project         string    `json:"project"`
	Owner           string    `json:"owner"`
	FundingGoal     uint64    `json:"funding_goal"`
	MinimumDonation uint64    `json:"minimum_donation"`
	Milestones      int       `json:"milestones"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id,omitempty"`
}

// ProjectPausedPayload 项目紧急暂停事件
type ProjectPausedPayload struct {
	Project   string    `json:"project"`
	Owner     string    `json:"owner"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// DonationPayload 捐款事件
type DonationPayload struct {
	Project   string    `json:"project"`
	Donor     string    `json:"donor"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// MilestoneCompletedPayload 里程碑完成、资金释放事件
type MilestoneCompletedPayload struct {
	Project        string    `json:"project"`
	MilestoneIndex int       `json:"milestone_index"`
	Amount         uint64    `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
	TraceID        string    `json:"trace_id,omitempty"`
}

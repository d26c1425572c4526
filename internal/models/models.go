package models

import (
	"time"
)

// Account kinds.
const (
	AccountKindService = "service"
	AccountKindUser    = "user"
)

// AccountConfig is the stored configuration of one messaging-network account.
// DeviceName and StoreKey are the connection parameters; SessionBlob is the
// opaque session handed back by the network (empty means no session).
type AccountConfig struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    string    `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	Kind        string    `gorm:"type:varchar(20);default:'user'" json:"kind"`
	Name        string    `gorm:"type:varchar(255)" json:"name"`
	DeviceName  string    `gorm:"type:varchar(255)" json:"device_name"`
	StoreKey    string    `gorm:"type:varchar(255)" json:"store_key"`
	SessionBlob string    `gorm:"type:text" json:"-"`
	Identity    string    `gorm:"type:varchar(64)" json:"identity"`
	Active      bool      `gorm:"default:false" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AccountConfig) TableName() string {
	return "account_configs"
}

// HasSession reports whether a session blob is stored.
func (a AccountConfig) HasSession() bool {
	return a.SessionBlob != ""
}

// Trigger types for auto-reply rules.
const (
	TriggerKeyword = "KEYWORD"
	TriggerRegex   = "REGEX"
	TriggerAll     = "ALL"
)

// AutoReplyRule answers inbound messages that match its trigger.
type AutoReplyRule struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	AccountID       uint      `gorm:"index;not null" json:"account_id"`
	Name            string    `gorm:"type:varchar(255)" json:"name"`
	TriggerType     string    `gorm:"type:varchar(20);not null" json:"trigger_type"`
	TriggerValue    string    `gorm:"type:text" json:"trigger_value"`
	ReplyText       string    `gorm:"type:text;not null" json:"reply_text"`
	WindowStart     string    `gorm:"type:varchar(5)" json:"window_start"` // HH:MM, empty for no window
	WindowEnd       string    `gorm:"type:varchar(5)" json:"window_end"`
	DaysOfWeek      []int     `gorm:"serializer:json" json:"days_of_week"` // 0 = Sunday
	MaxUsesPerUser  int       `gorm:"default:0" json:"max_uses_per_user"`
	CooldownMinutes int       `gorm:"default:0" json:"cooldown_minutes"`
	Priority        int       `gorm:"default:0;index" json:"priority"`
	Active          bool      `json:"active"`
	UseCount        int       `gorm:"default:0" json:"use_count"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AutoReplyRule) TableName() string {
	return "auto_reply_rules"
}

// AutoReplyUsage records one reply sent by a rule to a counterpart.
type AutoReplyUsage struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RuleID      uint      `gorm:"index:idx_usage_rule_counterpart;not null" json:"rule_id"`
	Counterpart string    `gorm:"type:varchar(128);index:idx_usage_rule_counterpart;not null" json:"counterpart"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (AutoReplyUsage) TableName() string {
	return "auto_reply_usages"
}

// Campaign statuses.
const (
	CampaignPending    = "PENDING"
	CampaignInProgress = "IN_PROGRESS"
	CampaignCompleted  = "COMPLETED"
	CampaignFailed     = "FAILED"
	CampaignCancelled  = "CANCELLED"
)

// BulkCampaign sends one body to an ordered list of recipients.
type BulkCampaign struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	AccountID   uint       `gorm:"index;not null" json:"account_id"`
	Name        string     `gorm:"type:varchar(255)" json:"name"`
	Body        string     `gorm:"type:text;not null" json:"body"`
	Recipients  []string   `gorm:"serializer:json" json:"recipients"`
	DelayMs     int        `gorm:"default:0" json:"delay_ms"`
	Status      string     `gorm:"type:varchar(20);default:'PENDING';index" json:"status"`
	SentCount   int        `gorm:"default:0" json:"sent_count"`
	FailedCount int        `gorm:"default:0" json:"failed_count"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BulkCampaign) TableName() string {
	return "bulk_campaigns"
}

// Delivery statuses.
const (
	DeliverySent   = "SENT"
	DeliveryFailed = "FAILED"
)

// BulkDeliveryLog is the outcome of one campaign recipient.
type BulkDeliveryLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CampaignID uint      `gorm:"index;not null" json:"campaign_id"`
	Recipient  string    `gorm:"type:varchar(255);not null" json:"recipient"`
	Status     string    `gorm:"type:varchar(20);not null" json:"status"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (BulkDeliveryLog) TableName() string {
	return "bulk_delivery_logs"
}

// Recurrence values.
const (
	RecurrenceNone    = "NONE"
	RecurrenceDaily   = "DAILY"
	RecurrenceWeekly  = "WEEKLY"
	RecurrenceMonthly = "MONTHLY"
)

// Scheduled message statuses.
const (
	ScheduledPending   = "PENDING"
	ScheduledSending   = "SENDING"
	ScheduledSent      = "SENT"
	ScheduledFailed    = "FAILED"
	ScheduledCancelled = "CANCELLED"
)

// ScheduledMessage is a text to be sent at ScheduledAt, optionally repeating.
// PreviousID links an occurrence to the one that spawned it.
type ScheduledMessage struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    string     `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	AccountID   uint       `gorm:"index;not null" json:"account_id"`
	ChatID      string     `gorm:"type:varchar(255);not null" json:"chat_id"`
	Body        string     `gorm:"type:text;not null" json:"body"`
	ScheduledAt time.Time  `gorm:"not null;index" json:"scheduled_at"`
	Recurrence  string     `gorm:"type:varchar(20);default:'NONE'" json:"recurrence"`
	Status      string     `gorm:"type:varchar(20);default:'PENDING';index" json:"status"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	PreviousID  *uint      `json:"previous_id,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ScheduledMessage) TableName() string {
	return "scheduled_messages"
}

// Recurring reports whether the message repeats.
func (m ScheduledMessage) Recurring() bool {
	return m.Recurrence != "" && m.Recurrence != RecurrenceNone
}

// ForwardRule copies matching messages from source chats to a target chat.
type ForwardRule struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AccountID    uint      `gorm:"index;not null" json:"account_id"`
	Name         string    `gorm:"type:varchar(255)" json:"name"`
	SourceChats  []string  `gorm:"serializer:json" json:"source_chats"`
	TargetChat   string    `gorm:"type:varchar(255);not null" json:"target_chat"`
	Keywords     []string  `gorm:"serializer:json" json:"keywords"`
	MediaTypes   []string  `gorm:"serializer:json" json:"media_types"`
	Active       bool      `json:"active"`
	ForwardCount int       `gorm:"default:0" json:"forward_count"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ForwardRule) TableName() string {
	return "forward_rules"
}

// Group kinds.
const (
	GroupKindGroup   = "group"
	GroupKindChannel = "channel"
)

// GroupRecord is a group or channel known to the engine.
type GroupRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	AccountID  uint      `gorm:"index;not null" json:"account_id"`
	ExternalID string    `gorm:"type:varchar(255);not null" json:"external_id"`
	Title      string    `gorm:"type:varchar(255)" json:"title"`
	About      string    `gorm:"type:text" json:"about,omitempty"`
	Kind       string    `gorm:"type:varchar(20);not null" json:"kind"`
	Managed    bool      `gorm:"default:false" json:"managed"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (GroupRecord) TableName() string {
	return "group_records"
}

// ContactRecord is a harvested contact, unique per tenant and external id.
type ContactRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      string    `gorm:"type:varchar(64);uniqueIndex:idx_contact_tenant_external;not null" json:"tenant_id"`
	ExternalID    string    `gorm:"type:varchar(255);uniqueIndex:idx_contact_tenant_external;not null" json:"external_id"`
	Name          string    `gorm:"type:varchar(255)" json:"name"`
	Phone         string    `gorm:"type:varchar(64)" json:"phone"`
	IsAdmin       bool      `gorm:"default:false" json:"is_admin"`
	Source        string    `gorm:"type:varchar(50)" json:"source"`
	SourceGroupID string    `gorm:"type:varchar(255)" json:"source_group_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ContactRecord) TableName() string {
	return "contact_records"
}

// All lists every model for migration.
func All() []interface{} {
	return []interface{}{
		&AccountConfig{},
		&AutoReplyRule{},
		&AutoReplyUsage{},
		&BulkCampaign{},
		&BulkDeliveryLog{},
		&ScheduledMessage{},
		&ForwardRule{},
		&GroupRecord{},
		&ContactRecord{},
	}
}

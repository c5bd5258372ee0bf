package models

import (
	"time"
)

// Identity is a normalized (lower-cased) participant address.
type Identity string

func (id Identity) String() string {
	return string(id)
}

type RelationshipState string

const (
	RelationshipUnrelated RelationshipState = "unrelated"
	RelationshipFriend    RelationshipState = "friend"
	RelationshipBlocked   RelationshipState = "blocked"
)

// ContactSource tags where a directory entry came from. The order of the
// constants is the merge precedence, highest first.
type ContactSource string

const (
	ContactSourceFriend     ContactSource = "friend"
	ContactSourceDirect     ContactSource = "direct"
	ContactSourceLocalCache ContactSource = "local_cache"
)

type ContactRecord struct {
	Identity         Identity      `json:"identity"`
	Address          string        `json:"address"`
	DisplayName      string        `json:"display_name"`
	Source           ContactSource `json:"source"`
	IsFriend         bool          `json:"is_friend"`
	IsDirectOnly     bool          `json:"is_direct_only"`
	Blocked          bool          `json:"blocked,omitempty"`
	LastMessageText  string        `json:"last_message_text,omitempty"`
	LastMessageTime  int64         `json:"last_message_time,omitempty"`
	AccountCreatedAt int64         `json:"account_created_at,omitempty"`
}

// HasAccount reports whether the ledger knows an account for the contact.
func (c ContactRecord) HasAccount() bool {
	return c.AccountCreatedAt > 0
}

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryUnknown   DeliveryState = "unknown"
)

type Message struct {
	LocalID       string        `json:"local_id,omitempty"`
	Sender        Identity      `json:"sender"`
	Timestamp     int64         `json:"timestamp"`
	Body          string        `json:"body"`
	DeliveryState DeliveryState `json:"delivery_state"`
	Delivered     bool          `json:"delivered"`
}

func (m Message) IsPending() bool {
	return m.DeliveryState == DeliveryPending
}

type Profile struct {
	Identity         Identity `json:"identity"`
	Username         string   `json:"username,omitempty"`
	Registered       bool     `json:"registered"`
	AccountCreatedAt int64    `json:"account_created_at,omitempty"`
}

type LedgerStats struct {
	Users    uint64 `json:"users"`
	Messages uint64 `json:"messages"`
}

type MetricsSnapshot struct {
	DirectoryBuilds        int                        `json:"directory_builds"`
	ResolutionFailures     int                        `json:"resolution_failures"`
	StaleResultsDropped    int                        `json:"stale_results_dropped"`
	PendingMessages        int                        `json:"pending_messages"`
	ErrorCounters          map[string]int             `json:"error_counters"`
	OperationStats         map[string]OperationMetric `json:"operation_stats"`
	LastUpdatedAt          time.Time                  `json:"last_updated_at"`
	RelationshipActionsRun int                        `json:"relationship_actions_run"`
}

type OperationMetric struct {
	Count         int   `json:"count"`
	Errors        int   `json:"errors"`
	AvgLatencyMs  int64 `json:"avg_latency_ms"`
	MaxLatencyMs  int64 `json:"max_latency_ms"`
	LastLatencyMs int64 `json:"last_latency_ms"`
}

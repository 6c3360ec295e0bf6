package reconcile

import (
	"time"
)

const (
	// PriorityHot is assigned to jobs queued right after a local state
	// change, PriorityIdle to jobs queued by the periodic sweep. Lower
	// numbers drain first.
	PriorityHot  = 1
	PriorityIdle = 5

	DefaultBatchSize       = 25
	DefaultMaxAttempts     = 5
	DefaultRetention       = 72 * time.Hour
	DefaultIdleAfter       = 24 * time.Hour
	DefaultPriorityCeiling = 5
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// SyncJob is one queued request to diff a holder's on-chain holdings
// against the local token table. At most one pending job exists per
// holder; re-enqueueing an already queued holder can only raise its
// priority, never lower it.
type SyncJob struct {
	ID          string     `gorm:"type:varchar(32);primaryKey" json:"id"`
	HolderRef   string     `gorm:"type:varchar(64);index;not null" json:"holder_ref"`
	Priority    int        `gorm:"index;default:5" json:"priority"`
	Status      Status     `gorm:"type:varchar(20);index;default:pending" json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `gorm:"type:varchar(255)" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

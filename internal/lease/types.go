// Package lease implements the LeaseManager: a durable, TTL-bounded
// advisory-lock table ensuring at most one writer per file path across
// concurrent agents, per spec §4.12.
package lease

import "time"

// Status is a Lease's point in its lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
	StatusFailed   Status = "failed"
)

// Lease is one advisory lock on a file path.
type Lease struct {
	ID            string
	FilePath      string
	AgentID       string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	TTL           time.Duration
	Status        Status
	RenewalCount  int
	MaxRenewals   int // -1 means unbounded
}

// HistoryEvent is one append-only row recording a Lease's state transition.
type HistoryEvent string

const (
	EventAcquired HistoryEvent = "acquired"
	EventRenewed  HistoryEvent = "renewed"
	EventReleased HistoryEvent = "released"
	EventExpired  HistoryEvent = "expired"
)

// AcquireRequest parameterizes Acquire.
type AcquireRequest struct {
	FilePath    string
	AgentID     string
	TTL         time.Duration
	MaxRenewals int // -1 means unbounded
	Blocking    bool
	Timeout     time.Duration
}

// AcquireResult is what Acquire returns on success.
type AcquireResult struct {
	Lease      Lease
	WaitTimeMS int64
}

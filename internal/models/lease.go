package models

import "time"

// RelayLease is one held advisory lock in the database-backed gate. A row
// whose ExpiresAt has passed is stale and may be reclaimed by any caller.
type RelayLease struct {
	Key       string    `gorm:"primaryKey;size:191"`
	Token     string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time
}

// TableName pins the lease table name.
func (RelayLease) TableName() string { return "relay_leases" }

// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"time"
)

// Schedule is a read-only mirror of one server schedule entry, keyed by
// (Date, JobTitle). Entries older than 90 days are purged on each cache write.
type Schedule struct {
	Date         string          `db:"date" json:"date"`
	JobTitle     string          `db:"job_title" json:"job_title"`
	Location     string          `db:"location" json:"location,omitempty"`
	Data         json.RawMessage `db:"data" json:"data"`
	LastSyncedAt int64           `db:"last_synced_at" json:"last_synced_at"`
}

// TableName returns the table name for Schedule.
func (Schedule) TableName() string {
	return "schedules"
}

// LastSyncedAtTime returns the LastSyncedAt as time.Time.
func (s *Schedule) LastSyncedAtTime() time.Time {
	return time.Unix(s.LastSyncedAt, 0)
}

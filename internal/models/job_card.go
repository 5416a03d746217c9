// Package models provides data model definitions for FieldSync.
package models

import (
	"encoding/json"
	"time"
)

// JobCardStatus represents the local dirtiness state of a cached job card.
type JobCardStatus string

const (
	JobCardStatusActive  JobCardStatus = "active"
	JobCardStatusPending JobCardStatus = "pending"
)

// JobCard is a cached server job card. JobNumber is the stable external key;
// Data carries the opaque server payload. A local edit marks the card pending
// and clears SyncedAt until the edit is pushed. Cards are upserted wholesale
// on each fetch - last write wins, no field-level merge.
type JobCard struct {
	JobNumber string          `db:"job_number" json:"job_number"`
	Client    string          `db:"client" json:"client"`
	Data      json.RawMessage `db:"data" json:"data"`
	Status    JobCardStatus   `db:"status" json:"status"`
	UpdatedAt int64           `db:"updated_at" json:"updated_at"`
	SyncedAt  *int64          `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for JobCard.
func (JobCard) TableName() string {
	return "job_cards"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (j *JobCard) UpdatedAtTime() time.Time {
	return time.Unix(j.UpdatedAt, 0)
}

// IsDirty reports whether the card carries a local edit awaiting push.
func (j *JobCard) IsDirty() bool {
	return j.Status == JobCardStatusPending && j.SyncedAt == nil
}

// Package models provides data model definitions for FieldSync.
package models

// Earning is a read-only mirror of one server earnings row. The earnings
// cache is fully replaced on each successful fetch.
type Earning struct {
	Amount       float64 `db:"amount" json:"amount"`
	Period       string  `db:"period" json:"period"`
	Description  string  `db:"description" json:"description,omitempty"`
	LastSyncedAt int64   `db:"last_synced_at" json:"last_synced_at"`
}

// TableName returns the table name for Earning.
func (Earning) TableName() string {
	return "earnings"
}

// PendingCount summarizes pending mutations awaiting upload.
type PendingCount struct {
	Audits   int `json:"audits"`
	JobCards int `json:"job_cards"`
	Total    int `json:"total"`
}

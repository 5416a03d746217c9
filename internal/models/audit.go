// Package models provides data model definitions for FieldSync.
package models

import "time"

// AuditStatus represents the sync lifecycle state of an audit.
type AuditStatus string

const (
	AuditStatusPending AuditStatus = "pending"
	AuditStatusSynced  AuditStatus = "synced"
	AuditStatusError   AuditStatus = "error"
)

// PhotoRef references a locally captured photo attached to an audit.
// The capture pipeline owns the file; the sync layer only moves the reference.
type PhotoRef struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Timestamp int64  `json:"timestamp"`
}

// Audit represents a field audit created on the device.
// Created with status pending; only the sync engine transitions status.
// Once synced an audit is immutable except for ServerID.
type Audit struct {
	ID        string      `db:"id" json:"id"`
	Title     string      `db:"title" json:"title"`
	Notes     string      `db:"notes" json:"notes"`
	Photos    []PhotoRef  `db:"photos" json:"photos"`
	Status    AuditStatus `db:"status" json:"status"`
	CreatedAt int64       `db:"created_at" json:"created_at"`
	SyncedAt  *int64      `db:"synced_at" json:"synced_at,omitempty"`
	ServerID  *int64      `db:"server_id" json:"server_id,omitempty"`
	LastError string      `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for Audit.
func (Audit) TableName() string {
	return "audits"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (a *Audit) CreatedAtTime() time.Time {
	return time.Unix(a.CreatedAt, 0)
}

// SyncedAtTime returns the SyncedAt as time.Time, or the zero time if unsynced.
func (a *Audit) SyncedAtTime() time.Time {
	if a.SyncedAt == nil {
		return time.Time{}
	}
	return time.Unix(*a.SyncedAt, 0)
}

// IsPending reports whether the audit still needs to be uploaded.
func (a *Audit) IsPending() bool {
	return a.Status == AuditStatusPending
}

// Package db interface definitions for consumers of the repository.
package db

import "github.com/ecofield/fieldsync/internal/models"

// SyncStore is the slice of the repository the sync engine depends on.
// Defined here so engine tests can substitute a fake store.
type SyncStore interface {
	// PendingAudits returns the audits awaiting upload.
	PendingAudits() ([]*models.Audit, error)

	// UpdateAuditSyncStatus transitions an audit's sync status.
	UpdateAuditSyncStatus(id string, status models.AuditStatus, serverID *int64, lastError string) error

	// PendingJobCards returns job cards carrying local edits awaiting push.
	PendingJobCards() ([]*models.JobCard, error)

	// MarkJobCardSynced records a successful job card push.
	MarkJobCardSynced(jobNumber string) error

	// CacheSchedules upserts fetched schedules as one transaction.
	CacheSchedules(schedules []models.Schedule) error

	// CacheJobCards upserts fetched job cards as one transaction.
	CacheJobCards(cards []models.JobCard) error

	// CacheEarnings replaces the earnings cache as one transaction.
	CacheEarnings(earnings []models.Earning) error

	// PendingSyncCount returns counts of pending mutations.
	PendingSyncCount() (models.PendingCount, error)
}

// Interface check.
var _ SyncStore = (*Repository)(nil)

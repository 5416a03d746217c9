// Package db provides CRUD repository operations for FieldSync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/ecofield/fieldsync/internal/errors"
	"github.com/ecofield/fieldsync/internal/event"
	"github.com/ecofield/fieldsync/internal/models"
	"github.com/ecofield/fieldsync/internal/uuid"
)

// scheduleRetention is how long cached schedule rows are kept. Rows whose
// last cache write is older than this are purged on the next cache write.
const scheduleRetention = 90 * 24 * time.Hour

// Repository provides the durable pending-mutation store and read-mostly
// caches. Every operation fails with a STORAGE_ERROR AppError except
// UpdateJobCard on a missing key, which fails with NOT_FOUND.
type Repository struct {
	db  *sql.DB
	bus *event.Bus

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt

	// now is swappable for tests.
	now func() time.Time
}

// NewRepository creates a new Repository instance. The bus is optional; when
// present, local mutations publish SyncNeeded events synchronously.
func NewRepository(db *sql.DB, bus *event.Bus) *Repository {
	return &Repository{
		db:  db,
		bus: bus,
		now: time.Now,
	}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// notifySyncNeeded publishes a SyncNeeded event if a bus is wired.
func (r *Repository) notifySyncNeeded(reason string) {
	if r.bus != nil {
		r.bus.Publish(event.SyncNeeded{Reason: reason})
	}
}

// =====================================================
// Audit Operations
// =====================================================

// AuditFilter narrows ListAudits results.
type AuditFilter struct {
	Status models.AuditStatus
}

// CreateAudit appends a new audit with status pending and raises a
// sync-needed notification on success.
func (r *Repository) CreateAudit(title, notes string, photos []models.PhotoRef) (*models.Audit, error) {
	if photos == nil {
		photos = []models.PhotoRef{}
	}

	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to encode photo refs", err)
	}

	audit := &models.Audit{
		ID:        uuid.New(),
		Title:     title,
		Notes:     notes,
		Photos:    photos,
		Status:    models.AuditStatusPending,
		CreatedAt: r.now().Unix(),
	}

	query := `
	INSERT INTO audits (id, title, notes, photos, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, audit.ID, audit.Title, audit.Notes, string(photosJSON),
		audit.Status, audit.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create audit", err)
	}

	r.notifySyncNeeded(event.ReasonAuditCreated)

	return audit, nil
}

// ListAudits returns audits matching the filter, newest first.
func (r *Repository) ListAudits(filter AuditFilter) ([]*models.Audit, error) {
	query := `
	SELECT id, title, notes, photos, status, created_at, synced_at, server_id, last_error
	FROM audits
	`
	var args []interface{}
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list audits", err)
	}
	defer rows.Close()

	var audits []*models.Audit
	for rows.Next() {
		audit, err := scanAudit(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan audit", err)
		}
		audits = append(audits, audit)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate audits", err)
	}

	return audits, nil
}

// PendingAudits returns the audits awaiting upload.
func (r *Repository) PendingAudits() ([]*models.Audit, error) {
	return r.ListAudits(AuditFilter{Status: models.AuditStatusPending})
}

// UpdateAuditSyncStatus transitions an audit's sync status. SyncedAt is set
// to now iff the new status is synced, otherwise cleared.
func (r *Repository) UpdateAuditSyncStatus(id string, status models.AuditStatus, serverID *int64, lastError string) error {
	var syncedAt interface{}
	if status == models.AuditStatusSynced {
		syncedAt = r.now().Unix()
	}

	query := `
	UPDATE audits SET status = ?, synced_at = ?, server_id = ?, last_error = ?
	WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to prepare audit update", err)
	}

	if _, err := stmt.Exec(status, syncedAt, serverID, nullableString(lastError), id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to update audit sync status", err)
	}

	return nil
}

// scanAudit scans one audit row.
func scanAudit(rows *sql.Rows) (*models.Audit, error) {
	var audit models.Audit
	var photosJSON string
	var lastError sql.NullString

	err := rows.Scan(&audit.ID, &audit.Title, &audit.Notes, &photosJSON, &audit.Status,
		&audit.CreatedAt, &audit.SyncedAt, &audit.ServerID, &lastError)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(photosJSON), &audit.Photos); err != nil {
		return nil, fmt.Errorf("corrupt photo refs for audit %s: %w", audit.ID, err)
	}
	audit.LastError = lastError.String

	return &audit, nil
}

// =====================================================
// Schedule Operations
// =====================================================

// CacheSchedules upserts the fetched schedules by (date, job_title) and
// purges rows older than the retention window, all in one transaction.
func (r *Repository) CacheSchedules(schedules []models.Schedule) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin schedule cache", err)
	}
	defer tx.Rollback()

	now := r.now()
	cutoff := now.Add(-scheduleRetention).Unix()

	if _, err := tx.Exec("DELETE FROM schedules WHERE last_synced_at < ?", cutoff); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to purge stale schedules", err)
	}

	query := `
	INSERT OR REPLACE INTO schedules (date, job_title, location, data, last_synced_at)
	VALUES (?, ?, ?, ?, ?)
	`
	for _, s := range schedules {
		data := s.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		if _, err := tx.Exec(query, s.Date, s.JobTitle, s.Location, string(data), now.Unix()); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to cache schedule", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit schedule cache", err)
	}
	return nil
}

// ListSchedules returns cached schedules within the optional date range,
// ordered by date ascending.
func (r *Repository) ListSchedules(startDate, endDate string) ([]*models.Schedule, error) {
	query := "SELECT date, job_title, location, data, last_synced_at FROM schedules"
	var conditions []string
	var args []interface{}

	if startDate != "" {
		conditions = append(conditions, "date >= ?")
		args = append(args, startDate)
	}
	if endDate != "" {
		conditions = append(conditions, "date <= ?")
		args = append(args, endDate)
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list schedules", err)
	}
	defer rows.Close()

	var schedules []*models.Schedule
	for rows.Next() {
		var s models.Schedule
		var data string
		if err := rows.Scan(&s.Date, &s.JobTitle, &s.Location, &data, &s.LastSyncedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan schedule", err)
		}
		s.Data = json.RawMessage(data)
		schedules = append(schedules, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate schedules", err)
	}

	return schedules, nil
}

// =====================================================
// Job Card Operations
// =====================================================

// JobCardFilter narrows ListJobCards results.
type JobCardFilter struct {
	Status models.JobCardStatus
}

// CacheJobCards upserts the fetched job cards by job number in one
// transaction. Server rows win wholesale - no field-level merge.
func (r *Repository) CacheJobCards(cards []models.JobCard) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin job card cache", err)
	}
	defer tx.Rollback()

	now := r.now().Unix()
	query := `
	INSERT OR REPLACE INTO job_cards (job_number, client, data, status, updated_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	for _, c := range cards {
		status := c.Status
		if status == "" {
			status = models.JobCardStatusActive
		}
		data := c.Data
		if data == nil {
			data = json.RawMessage("{}")
		}
		if _, err := tx.Exec(query, c.JobNumber, c.Client, string(data), status, now, now); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to cache job card", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit job card cache", err)
	}
	return nil
}

// ListJobCards returns cached job cards matching the filter, most recently
// updated first.
func (r *Repository) ListJobCards(filter JobCardFilter) ([]*models.JobCard, error) {
	query := "SELECT job_number, client, data, status, updated_at, synced_at FROM job_cards"
	var args []interface{}
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list job cards", err)
	}
	defer rows.Close()

	var cards []*models.JobCard
	for rows.Next() {
		card, err := scanJobCard(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan job card", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate job cards", err)
	}

	return cards, nil
}

// PendingJobCards returns job cards carrying local edits awaiting push.
func (r *Repository) PendingJobCards() ([]*models.JobCard, error) {
	query := `
	SELECT job_number, client, data, status, updated_at, synced_at FROM job_cards
	WHERE status = ? AND synced_at IS NULL
	ORDER BY updated_at ASC
	`
	rows, err := r.db.Query(query, models.JobCardStatusPending)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list pending job cards", err)
	}
	defer rows.Close()

	var cards []*models.JobCard
	for rows.Next() {
		card, err := scanJobCard(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan job card", err)
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate job cards", err)
	}

	return cards, nil
}

// UpdateJobCard applies a local shallow patch to a cached job card, marks it
// dirty, and raises a sync-needed notification. Fails with NOT_FOUND if the
// job number is absent.
func (r *Repository) UpdateJobCard(jobNumber string, patch map[string]interface{}) (*models.JobCard, error) {
	var data string
	err := r.db.QueryRow("SELECT data FROM job_cards WHERE job_number = ?", jobNumber).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("job card %s not found", jobNumber))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load job card", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "corrupt job card payload", err)
	}
	for k, v := range patch {
		payload[k] = v
	}

	merged, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to encode job card payload", err)
	}

	now := r.now().Unix()
	query := `
	UPDATE job_cards SET data = ?, status = ?, updated_at = ?, synced_at = NULL
	WHERE job_number = ?
	`
	if _, err := r.db.Exec(query, string(merged), models.JobCardStatusPending, now, jobNumber); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to update job card", err)
	}

	r.notifySyncNeeded(event.ReasonJobCardUpdated)

	card := &models.JobCard{
		JobNumber: jobNumber,
		Data:      merged,
		Status:    models.JobCardStatusPending,
		UpdatedAt: now,
	}
	return card, nil
}

// MarkJobCardSynced records a successful push: synced_at is set and the card
// is no longer dirty.
func (r *Repository) MarkJobCardSynced(jobNumber string) error {
	now := r.now().Unix()
	query := `
	UPDATE job_cards SET status = ?, synced_at = ?
	WHERE job_number = ?
	`
	if _, err := r.db.Exec(query, models.JobCardStatusActive, now, jobNumber); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark job card synced", err)
	}
	return nil
}

// scanJobCard scans one job card row.
func scanJobCard(rows *sql.Rows) (*models.JobCard, error) {
	var card models.JobCard
	var data string
	if err := rows.Scan(&card.JobNumber, &card.Client, &data, &card.Status, &card.UpdatedAt, &card.SyncedAt); err != nil {
		return nil, err
	}
	card.Data = json.RawMessage(data)
	return &card, nil
}

// =====================================================
// Earnings Operations
// =====================================================

// CacheEarnings replaces the earnings cache with the fetched batch in one
// transaction. Callers fetch first, so a failed fetch never empties the cache.
func (r *Repository) CacheEarnings(earnings []models.Earning) error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin earnings cache", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM earnings"); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to clear earnings", err)
	}

	now := r.now().Unix()
	query := "INSERT INTO earnings (amount, period, description, last_synced_at) VALUES (?, ?, ?, ?)"
	for _, e := range earnings {
		if _, err := tx.Exec(query, e.Amount, e.Period, e.Description, now); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to cache earning", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit earnings cache", err)
	}
	return nil
}

// ListEarnings returns cached earnings, most recent period first.
func (r *Repository) ListEarnings() ([]*models.Earning, error) {
	rows, err := r.db.Query("SELECT amount, period, description, last_synced_at FROM earnings ORDER BY period DESC")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list earnings", err)
	}
	defer rows.Close()

	var earnings []*models.Earning
	for rows.Next() {
		var e models.Earning
		if err := rows.Scan(&e.Amount, &e.Period, &e.Description, &e.LastSyncedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan earning", err)
		}
		earnings = append(earnings, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate earnings", err)
	}

	return earnings, nil
}

// =====================================================
// Sync Queue Queries
// =====================================================

// PendingSyncCount returns counts of pending mutations awaiting upload.
func (r *Repository) PendingSyncCount() (models.PendingCount, error) {
	var count models.PendingCount

	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM audits WHERE status = 'pending'")
	if err != nil {
		return count, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare pending count", err)
	}
	if err := stmt.QueryRow().Scan(&count.Audits); err != nil {
		return count, apperrors.Wrap(apperrors.ErrStorage, "failed to count pending audits", err)
	}

	stmt, err = r.PrepareStmt("SELECT COUNT(*) FROM job_cards WHERE status = 'pending' AND synced_at IS NULL")
	if err != nil {
		return count, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare pending count", err)
	}
	if err := stmt.QueryRow().Scan(&count.JobCards); err != nil {
		return count, apperrors.Wrap(apperrors.ErrStorage, "failed to count pending job cards", err)
	}

	count.Total = count.Audits + count.JobCards
	return count, nil
}

// ClearAll removes every row from every table. Used on logout and in tests.
func (r *Repository) ClearAll() error {
	tx, err := r.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin clear", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"audits", "schedules", "job_cards", "earnings"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to clear "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit clear", err)
	}
	return nil
}

// nullableString converts "" to NULL for storage.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

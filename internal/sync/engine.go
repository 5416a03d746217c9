package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ecofield/fieldsync/internal/api"
	"github.com/ecofield/fieldsync/internal/db"
	apperrors "github.com/ecofield/fieldsync/internal/errors"
	"github.com/ecofield/fieldsync/internal/logging"
	"github.com/ecofield/fieldsync/internal/models"
	"github.com/ecofield/fieldsync/internal/network"
)

// MaxRetries bounds automatic retries per failure streak. Once exhausted the
// engine goes quiet until an external trigger (connectivity restored, new
// mutation, manual sync) starts a fresh pass.
const MaxRetries = 3

// defaultRetryDelays holds the backoff schedule indexed by retry count.
func defaultRetryDelays() []time.Duration {
	return []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
}

// Connectivity is the slice of the network monitor the engine consults.
type Connectivity interface {
	GetStatus() network.Status
}

// session tracks the mutable sync state guarded by the engine mutex.
type session struct {
	inProgress   bool
	retryCount   int
	lastSyncTime *time.Time
}

// Engine runs sync passes: pending audits and dirty job cards upload first,
// then server caches refresh. At most one pass runs at a time; a failed pass
// schedules an automatic retry with exponential backoff.
type Engine struct {
	store  db.SyncStore
	client api.Client
	conn   Connectivity
	tokens api.TokenSource
	log    *logging.Logger

	mu          sync.Mutex
	session     session
	retryTimer  *time.Timer
	handler     StatusHandler
	closed      bool
	retryDelays []time.Duration

	// Test seams.
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewEngine creates an Engine. All collaborators are required except the
// logger, which falls back to the global logger.
func NewEngine(store db.SyncStore, client api.Client, conn Connectivity, tokens api.TokenSource, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Get()
	}
	return &Engine{
		store:       store,
		client:      client,
		conn:        conn,
		tokens:      tokens,
		log:         log.WithComponent("sync"),
		retryDelays: defaultRetryDelays(),
		now:         time.Now,
		afterFunc:   time.AfterFunc,
	}
}

// SetStatusHandler installs the snapshot consumer. Call before the first
// sync; snapshots are delivered synchronously with panic isolation.
func (e *Engine) SetStatusHandler(h StatusHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

// IsSyncing reports whether a pass is currently running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.inProgress
}

// RetryCount returns the current failure streak length.
func (e *Engine) RetryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.retryCount
}

// LastSyncTime returns the completion time of the last successful pass,
// or nil if none has succeeded yet.
func (e *Engine) LastSyncTime() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.lastSyncTime == nil {
		return nil
	}
	t := *e.session.lastSyncTime
	return &t
}

// ManualSync runs a user-requested pass. Rejections are ordered: an
// in-flight pass wins over offline, offline wins over missing credentials.
func (e *Engine) ManualSync(ctx context.Context) error {
	e.mu.Lock()
	inProgress := e.session.inProgress
	e.mu.Unlock()

	if inProgress {
		return apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	if !e.conn.GetStatus().Online {
		return apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
	}
	if e.tokens == nil || e.tokens.Token() == "" {
		return apperrors.New(apperrors.ErrAuthRequired, "log in to sync")
	}

	return e.Sync(ctx)
}

// TriggerAutoSync starts a pass in the background. Used by event-driven
// triggers whose callbacks must not block; a pass already in flight makes
// the trigger a no-op, any other failure is logged and left to the retry
// schedule.
func (e *Engine) TriggerAutoSync() {
	go func() {
		err := e.Sync(context.Background())
		if err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			e.log.Warn("auto sync failed", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Sync runs one full pass: upload pending audits, push dirty job cards,
// refresh the server caches. Returns SYNC_IN_PROGRESS if a pass is already
// running. On failure the pass aborts, an automatic retry is scheduled, and
// the error is returned to the caller.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.New(apperrors.ErrInternal, "engine is closed")
	}
	if e.session.inProgress {
		e.mu.Unlock()
		return apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	e.session.inProgress = true
	// A starting pass supersedes any pending retry.
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	e.publishStatus()
	e.log.Info("sync pass started")

	err := e.runPass(ctx)

	e.mu.Lock()
	e.session.inProgress = false
	if err == nil {
		now := e.now()
		e.session.lastSyncTime = &now
		e.session.retryCount = 0
	}
	e.mu.Unlock()

	e.publishStatus()

	if err != nil {
		e.log.Error("sync pass failed", err)
		e.scheduleRetry()
		return err
	}

	e.log.Info("sync pass completed")
	return nil
}

// runPass executes the pass body. Upload failures abort the pass; download
// failures are isolated per resource and never fail the pass.
func (e *Engine) runPass(ctx context.Context) error {
	audits, err := e.store.PendingAudits()
	if err != nil {
		return err
	}
	for _, audit := range audits {
		if err := e.uploadAudit(ctx, audit); err != nil {
			return err
		}
	}

	cards, err := e.store.PendingJobCards()
	if err != nil {
		return err
	}
	for _, card := range cards {
		if err := e.pushJobCard(ctx, card); err != nil {
			return err
		}
	}

	e.refreshSchedules(ctx)
	e.refreshJobCards(ctx)
	e.refreshEarnings(ctx)

	return nil
}

// uploadAudit uploads one audit: each photo in capture order, then the audit
// record itself. Any failure marks the audit status error with the cause and
// propagates so the pass aborts; already-synced audits are excluded from the
// retry by the pending filter.
func (e *Engine) uploadAudit(ctx context.Context, audit *models.Audit) error {
	photoURLs := make([]string, 0, len(audit.Photos))
	for _, photo := range audit.Photos {
		raw, err := e.client.Send(ctx, api.EndpointUploads, "POST", api.PhotoUpload{
			Photo:     photo.Path,
			Timestamp: photo.Timestamp,
		})
		if err != nil {
			e.markAuditError(audit.ID, err)
			return apperrors.Wrap(apperrors.ErrSyncFailed, "photo upload failed for audit "+audit.ID, err)
		}
		var resp api.UploadResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			e.markAuditError(audit.ID, err)
			return apperrors.Wrap(apperrors.ErrSyncFailed, "bad upload response for audit "+audit.ID, err)
		}
		photoURLs = append(photoURLs, resp.URL)
	}

	raw, err := e.client.Send(ctx, api.EndpointSyncAudits, "POST", api.AuditUpload{
		Title:     audit.Title,
		Notes:     audit.Notes,
		Photos:    photoURLs,
		CreatedAt: audit.CreatedAt,
	})
	if err != nil {
		e.markAuditError(audit.ID, err)
		return apperrors.Wrap(apperrors.ErrSyncFailed, "audit upload failed for "+audit.ID, err)
	}

	var resp api.AuditSyncResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.markAuditError(audit.ID, err)
		return apperrors.Wrap(apperrors.ErrSyncFailed, "bad sync response for audit "+audit.ID, err)
	}

	if err := e.store.UpdateAuditSyncStatus(audit.ID, models.AuditStatusSynced, &resp.ID, ""); err != nil {
		return err
	}

	e.log.Debug("audit synced", map[string]interface{}{"id": audit.ID, "server_id": resp.ID})
	return nil
}

// markAuditError records the failure on the audit row. A storage error here
// is logged but not propagated; the upload error is the one that matters.
func (e *Engine) markAuditError(id string, cause error) {
	if err := e.store.UpdateAuditSyncStatus(id, models.AuditStatusError, nil, cause.Error()); err != nil {
		e.log.Error("failed to record audit sync error", err, map[string]interface{}{"id": id})
	}
}

// pushJobCard uploads one locally edited job card and clears its dirty flag.
func (e *Engine) pushJobCard(ctx context.Context, card *models.JobCard) error {
	_, err := e.client.Send(ctx, api.EndpointSyncJobCards, "POST", api.JobCardPush{
		JobNumber: card.JobNumber,
		Data:      card.Data,
		UpdatedAt: card.UpdatedAt,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "job card push failed for "+card.JobNumber, err)
	}

	if err := e.store.MarkJobCardSynced(card.JobNumber); err != nil {
		return err
	}

	e.log.Debug("job card pushed", map[string]interface{}{"job_number": card.JobNumber})
	return nil
}

// refreshSchedules fetches the schedule list and caches it. Fetch-then-cache:
// a failed fetch leaves the existing cache untouched.
func (e *Engine) refreshSchedules(ctx context.Context) {
	raw, err := e.client.Send(ctx, api.EndpointSchedules, "GET", nil)
	if err != nil {
		e.log.Warn("schedule refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	var resp api.SchedulesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.log.Warn("bad schedules response", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.store.CacheSchedules(resp.Schedules); err != nil {
		e.log.Error("failed to cache schedules", err)
	}
}

func (e *Engine) refreshJobCards(ctx context.Context) {
	raw, err := e.client.Send(ctx, api.EndpointJobCards, "GET", nil)
	if err != nil {
		e.log.Warn("job card refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	var resp api.JobCardsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.log.Warn("bad job cards response", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.store.CacheJobCards(resp.JobCards); err != nil {
		e.log.Error("failed to cache job cards", err)
	}
}

func (e *Engine) refreshEarnings(ctx context.Context) {
	raw, err := e.client.Send(ctx, api.EndpointEarnings, "GET", nil)
	if err != nil {
		e.log.Warn("earnings refresh failed", map[string]interface{}{"error": err.Error()})
		return
	}
	var resp api.EarningsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		e.log.Warn("bad earnings response", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := e.store.CacheEarnings(resp.Earnings); err != nil {
		e.log.Error("failed to cache earnings", err)
	}
}

// scheduleRetry arms the backoff timer after a failed pass. The delay is
// indexed by the current retry count; once the count reaches MaxRetries the
// engine stops retrying until an external trigger.
func (e *Engine) scheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if e.session.retryCount >= MaxRetries {
		e.log.Warn("retry budget exhausted, waiting for external trigger",
			map[string]interface{}{"retry_count": e.session.retryCount})
		return
	}

	delay := e.retryDelays[e.session.retryCount]
	e.session.retryCount++
	attempt := e.session.retryCount

	e.log.Info("sync retry scheduled", map[string]interface{}{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})

	e.retryTimer = e.afterFunc(delay, func() {
		err := e.Sync(context.Background())
		if err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			e.log.Warn("sync retry failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
		}
	})
}

// Snapshot computes the current status observation.
func (e *Engine) Snapshot() Snapshot {
	count, err := e.store.PendingSyncCount()
	if err != nil {
		e.log.Error("failed to count pending mutations", err)
	}

	online := e.conn.GetStatus().Online

	e.mu.Lock()
	syncing := e.session.inProgress
	var last *time.Time
	if e.session.lastSyncTime != nil {
		t := *e.session.lastSyncTime
		last = &t
	}
	e.mu.Unlock()

	return Snapshot{
		Label:        Project(syncing, online, count.Total),
		PendingCount: count.Total,
		LastSyncTime: last,
		IsSyncing:    syncing,
	}
}

// publishStatus delivers a fresh snapshot to the handler, if any.
func (e *Engine) publishStatus() {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()
	if handler == nil {
		return
	}

	snapshot := e.Snapshot()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("status handler panicked", nil, map[string]interface{}{"panic": r})
		}
	}()
	handler.OnStatus(snapshot)
}

// Close cancels any pending retry and rejects further passes. A pass already
// in flight finishes on its own.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// Package db tests for the pending-mutation store.
package db

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/ecofield/fieldsync/internal/errors"
	"github.com/ecofield/fieldsync/internal/event"
	"github.com/ecofield/fieldsync/internal/models"
)

func newTestRepository(t *testing.T) (*Repository, *event.Bus) {
	t.Helper()
	database := openTestDB(t)
	bus := event.NewBus(nil)
	repo := NewRepository(database.DB, bus)
	t.Cleanup(func() { repo.Close() })
	return repo, bus
}

// collectEvents subscribes and records every event published on the bus.
func collectEvents(bus *event.Bus) *[]event.Event {
	var events []event.Event
	bus.Subscribe(func(ev event.Event) { events = append(events, ev) })
	return &events
}

// =====================================================
// Audits
// =====================================================

func TestAuditRoundTrip(t *testing.T) {
	repo, _ := newTestRepository(t)

	created, err := repo.CreateAudit("Site inspection", "North wall cracks", nil)
	if err != nil {
		t.Fatalf("CreateAudit() error: %v", err)
	}
	if created.Status != models.AuditStatusPending {
		t.Errorf("created status = %v, want pending", created.Status)
	}

	pending, err := repo.PendingAudits()
	if err != nil {
		t.Fatalf("PendingAudits() error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending audits, want 1", len(pending))
	}
	if pending[0].Title != "Site inspection" || pending[0].Notes != "North wall cracks" {
		t.Errorf("round trip lost fields: %+v", pending[0])
	}

	// Simulate a successful upload.
	serverID := int64(4711)
	if err := repo.UpdateAuditSyncStatus(created.ID, models.AuditStatusSynced, &serverID, ""); err != nil {
		t.Fatalf("UpdateAuditSyncStatus() error: %v", err)
	}

	synced, err := repo.ListAudits(AuditFilter{Status: models.AuditStatusSynced})
	if err != nil {
		t.Fatalf("ListAudits() error: %v", err)
	}
	if len(synced) != 1 {
		t.Fatalf("got %d synced audits, want 1", len(synced))
	}
	if synced[0].ServerID == nil || *synced[0].ServerID != serverID {
		t.Errorf("server id = %v, want %d", synced[0].ServerID, serverID)
	}
	if synced[0].SyncedAt == nil {
		t.Error("synced audit should have synced_at set")
	}
}

func TestAuditErrorStatusClearsSyncedAt(t *testing.T) {
	repo, _ := newTestRepository(t)

	created, err := repo.CreateAudit("a", "b", nil)
	if err != nil {
		t.Fatalf("CreateAudit() error: %v", err)
	}

	if err := repo.UpdateAuditSyncStatus(created.ID, models.AuditStatusError, nil, "connection refused"); err != nil {
		t.Fatalf("UpdateAuditSyncStatus() error: %v", err)
	}

	audits, err := repo.ListAudits(AuditFilter{Status: models.AuditStatusError})
	if err != nil {
		t.Fatalf("ListAudits() error: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("got %d error audits, want 1", len(audits))
	}
	if audits[0].SyncedAt != nil {
		t.Error("error status should leave synced_at NULL")
	}
	if audits[0].LastError != "connection refused" {
		t.Errorf("last error = %q, want %q", audits[0].LastError, "connection refused")
	}
}

func TestAuditsNewestFirst(t *testing.T) {
	repo, _ := newTestRepository(t)

	base := time.Now()
	for i, title := range []string{"first", "second", "third"} {
		offset := time.Duration(i) * time.Minute
		repo.now = func() time.Time { return base.Add(offset) }
		if _, err := repo.CreateAudit(title, "", nil); err != nil {
			t.Fatalf("CreateAudit(%s) error: %v", title, err)
		}
	}

	audits, err := repo.ListAudits(AuditFilter{})
	if err != nil {
		t.Fatalf("ListAudits() error: %v", err)
	}
	if len(audits) != 3 {
		t.Fatalf("got %d audits, want 3", len(audits))
	}
	if audits[0].Title != "third" || audits[2].Title != "first" {
		t.Errorf("audits not newest first: %s, %s, %s", audits[0].Title, audits[1].Title, audits[2].Title)
	}
}

func TestAuditPhotoOrderPreserved(t *testing.T) {
	repo, _ := newTestRepository(t)

	photos := []models.PhotoRef{
		{ID: "p1", Path: "/photos/1.jpg", Timestamp: 100},
		{ID: "p2", Path: "/photos/2.jpg", Timestamp: 200},
		{ID: "p3", Path: "/photos/3.jpg", Timestamp: 300},
	}
	if _, err := repo.CreateAudit("with photos", "", photos); err != nil {
		t.Fatalf("CreateAudit() error: %v", err)
	}

	pending, err := repo.PendingAudits()
	if err != nil {
		t.Fatalf("PendingAudits() error: %v", err)
	}
	if len(pending[0].Photos) != 3 {
		t.Fatalf("got %d photos, want 3", len(pending[0].Photos))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if pending[0].Photos[i].ID != want {
			t.Errorf("photo %d id = %q, want %q", i, pending[0].Photos[i].ID, want)
		}
	}
}

func TestCreateAuditEmitsSyncNeeded(t *testing.T) {
	repo, bus := newTestRepository(t)
	events := collectEvents(bus)

	if _, err := repo.CreateAudit("a", "", nil); err != nil {
		t.Fatalf("CreateAudit() error: %v", err)
	}

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	sn, ok := (*events)[0].(event.SyncNeeded)
	if !ok || sn.Reason != event.ReasonAuditCreated {
		t.Errorf("event = %#v, want SyncNeeded{audit_created}", (*events)[0])
	}
}

// =====================================================
// Schedules
// =====================================================

func TestCacheSchedulesUpsert(t *testing.T) {
	repo, _ := newTestRepository(t)

	batch := []models.Schedule{
		{Date: "2024-01-15", JobTitle: "Renovation", Location: "Springfield"},
		{Date: "2024-01-16", JobTitle: "Floor 3", Location: "Downtown"},
	}
	if err := repo.CacheSchedules(batch); err != nil {
		t.Fatalf("CacheSchedules() error: %v", err)
	}

	// Re-caching the same keys replaces rather than duplicates.
	batch[0].Location = "Springfield East"
	if err := repo.CacheSchedules(batch); err != nil {
		t.Fatalf("CacheSchedules() second error: %v", err)
	}

	schedules, err := repo.ListSchedules("", "")
	if err != nil {
		t.Fatalf("ListSchedules() error: %v", err)
	}
	if len(schedules) != 2 {
		t.Fatalf("got %d schedules, want 2", len(schedules))
	}
	if schedules[0].Location != "Springfield East" {
		t.Errorf("location = %q, want replaced value", schedules[0].Location)
	}
}

func TestCacheSchedulesPurgesStale(t *testing.T) {
	repo, _ := newTestRepository(t)

	// Write a schedule with an old cache timestamp.
	old := time.Now().Add(-91 * 24 * time.Hour)
	repo.now = func() time.Time { return old }
	if err := repo.CacheSchedules([]models.Schedule{{Date: "2023-10-01", JobTitle: "Old job"}}); err != nil {
		t.Fatalf("CacheSchedules() error: %v", err)
	}

	repo.now = time.Now
	if err := repo.CacheSchedules([]models.Schedule{{Date: "2024-01-15", JobTitle: "New job"}}); err != nil {
		t.Fatalf("CacheSchedules() error: %v", err)
	}

	schedules, err := repo.ListSchedules("", "")
	if err != nil {
		t.Fatalf("ListSchedules() error: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("got %d schedules, want 1 (stale purged)", len(schedules))
	}
	if schedules[0].JobTitle != "New job" {
		t.Errorf("surviving schedule = %q, want %q", schedules[0].JobTitle, "New job")
	}
}

func TestListSchedulesDateRange(t *testing.T) {
	repo, _ := newTestRepository(t)

	err := repo.CacheSchedules([]models.Schedule{
		{Date: "2024-01-10", JobTitle: "a"},
		{Date: "2024-01-15", JobTitle: "b"},
		{Date: "2024-01-20", JobTitle: "c"},
	})
	if err != nil {
		t.Fatalf("CacheSchedules() error: %v", err)
	}

	schedules, err := repo.ListSchedules("2024-01-12", "2024-01-18")
	if err != nil {
		t.Fatalf("ListSchedules() error: %v", err)
	}
	if len(schedules) != 1 || schedules[0].JobTitle != "b" {
		t.Errorf("range query returned %d rows, want just %q", len(schedules), "b")
	}
}

// =====================================================
// Job cards
// =====================================================

func TestUpdateJobCardMergesAndMarksDirty(t *testing.T) {
	repo, bus := newTestRepository(t)

	err := repo.CacheJobCards([]models.JobCard{{
		JobNumber: "JOB-1",
		Client:    "ABC",
		Data:      json.RawMessage(`{"progress": 10, "notes": "initial"}`),
	}})
	if err != nil {
		t.Fatalf("CacheJobCards() error: %v", err)
	}

	events := collectEvents(bus)

	merged, err := repo.UpdateJobCard("JOB-1", map[string]interface{}{"progress": 65})
	if err != nil {
		t.Fatalf("UpdateJobCard() error: %v", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(merged.Data, &payload); err != nil {
		t.Fatalf("merged payload not JSON: %v", err)
	}
	if payload["progress"] != float64(65) {
		t.Errorf("progress = %v, want 65", payload["progress"])
	}
	if payload["notes"] != "initial" {
		t.Errorf("shallow merge dropped untouched field: %v", payload["notes"])
	}

	dirty, err := repo.PendingJobCards()
	if err != nil {
		t.Fatalf("PendingJobCards() error: %v", err)
	}
	if len(dirty) != 1 || dirty[0].JobNumber != "JOB-1" {
		t.Fatalf("dirty cards = %d, want JOB-1 only", len(dirty))
	}
	if dirty[0].SyncedAt != nil {
		t.Error("dirty card should have synced_at NULL")
	}

	if len(*events) != 1 {
		t.Fatalf("got %d events, want 1", len(*events))
	}
	if sn, ok := (*events)[0].(event.SyncNeeded); !ok || sn.Reason != event.ReasonJobCardUpdated {
		t.Errorf("event = %#v, want SyncNeeded{job_card_updated}", (*events)[0])
	}
}

func TestUpdateJobCardNotFound(t *testing.T) {
	repo, _ := newTestRepository(t)

	_, err := repo.UpdateJobCard("NOPE-1", map[string]interface{}{"x": 1})
	if err == nil {
		t.Fatal("UpdateJobCard() on missing key should fail")
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error code = %v, want NOT_FOUND", apperrors.CodeOf(err))
	}
}

func TestMarkJobCardSyncedClearsDirtiness(t *testing.T) {
	repo, _ := newTestRepository(t)

	if err := repo.CacheJobCards([]models.JobCard{{JobNumber: "JOB-1", Data: json.RawMessage(`{}`)}}); err != nil {
		t.Fatalf("CacheJobCards() error: %v", err)
	}
	if _, err := repo.UpdateJobCard("JOB-1", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("UpdateJobCard() error: %v", err)
	}

	if err := repo.MarkJobCardSynced("JOB-1"); err != nil {
		t.Fatalf("MarkJobCardSynced() error: %v", err)
	}

	dirty, err := repo.PendingJobCards()
	if err != nil {
		t.Fatalf("PendingJobCards() error: %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("got %d dirty cards after push, want 0", len(dirty))
	}
}

// =====================================================
// Earnings
// =====================================================

func TestCacheEarningsFullReplace(t *testing.T) {
	repo, _ := newTestRepository(t)

	if err := repo.CacheEarnings([]models.Earning{{Amount: 100, Period: "2024-01"}}); err != nil {
		t.Fatalf("CacheEarnings() error: %v", err)
	}
	if err := repo.CacheEarnings([]models.Earning{{Amount: 200, Period: "2024-02"}, {Amount: 300, Period: "2024-03"}}); err != nil {
		t.Fatalf("CacheEarnings() second error: %v", err)
	}

	earnings, err := repo.ListEarnings()
	if err != nil {
		t.Fatalf("ListEarnings() error: %v", err)
	}
	if len(earnings) != 2 {
		t.Fatalf("got %d earnings, want 2 (old batch replaced)", len(earnings))
	}
	if earnings[0].Period != "2024-03" {
		t.Errorf("earnings[0].Period = %q, want most recent first", earnings[0].Period)
	}
}

// =====================================================
// Pending counts
// =====================================================

func TestPendingSyncCount(t *testing.T) {
	repo, _ := newTestRepository(t)

	// 3 audits: pending, synced, error.
	a1, _ := repo.CreateAudit("pending one", "", nil)
	a2, _ := repo.CreateAudit("will sync", "", nil)
	a3, _ := repo.CreateAudit("will fail", "", nil)
	_ = a1

	serverID := int64(1)
	if err := repo.UpdateAuditSyncStatus(a2.ID, models.AuditStatusSynced, &serverID, ""); err != nil {
		t.Fatalf("UpdateAuditSyncStatus() error: %v", err)
	}
	if err := repo.UpdateAuditSyncStatus(a3.ID, models.AuditStatusError, nil, "boom"); err != nil {
		t.Fatalf("UpdateAuditSyncStatus() error: %v", err)
	}

	// 2 job cards: one edited (pending), one untouched (active).
	err := repo.CacheJobCards([]models.JobCard{
		{JobNumber: "JOB-1", Data: json.RawMessage(`{}`)},
		{JobNumber: "JOB-2", Data: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("CacheJobCards() error: %v", err)
	}
	if _, err := repo.UpdateJobCard("JOB-1", map[string]interface{}{"x": 1}); err != nil {
		t.Fatalf("UpdateJobCard() error: %v", err)
	}

	count, err := repo.PendingSyncCount()
	if err != nil {
		t.Fatalf("PendingSyncCount() error: %v", err)
	}
	if count.Audits != 1 {
		t.Errorf("count.Audits = %d, want 1 (error audits are not pending)", count.Audits)
	}
	if count.JobCards != 1 {
		t.Errorf("count.JobCards = %d, want 1", count.JobCards)
	}
	if count.Total != 2 {
		t.Errorf("count.Total = %d, want 2", count.Total)
	}
}

func TestClearAll(t *testing.T) {
	repo, _ := newTestRepository(t)

	if _, err := repo.CreateAudit("a", "", nil); err != nil {
		t.Fatalf("CreateAudit() error: %v", err)
	}
	if err := repo.CacheEarnings([]models.Earning{{Amount: 1, Period: "2024-01"}}); err != nil {
		t.Fatalf("CacheEarnings() error: %v", err)
	}

	if err := repo.ClearAll(); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}

	count, err := repo.PendingSyncCount()
	if err != nil {
		t.Fatalf("PendingSyncCount() error: %v", err)
	}
	if count.Total != 0 {
		t.Errorf("count.Total after clear = %d, want 0", count.Total)
	}

	earnings, err := repo.ListEarnings()
	if err != nil {
		t.Fatalf("ListEarnings() error: %v", err)
	}
	if len(earnings) != 0 {
		t.Errorf("got %d earnings after clear, want 0", len(earnings))
	}
}

func TestSeedDemoData(t *testing.T) {
	repo, _ := newTestRepository(t)

	if err := repo.SeedDemoData(); err != nil {
		t.Fatalf("SeedDemoData() error: %v", err)
	}

	schedules, err := repo.ListSchedules("", "")
	if err != nil {
		t.Fatalf("ListSchedules() error: %v", err)
	}
	if len(schedules) != 3 {
		t.Errorf("got %d demo schedules, want 3", len(schedules))
	}

	cards, err := repo.ListJobCards(JobCardFilter{})
	if err != nil {
		t.Fatalf("ListJobCards() error: %v", err)
	}
	if len(cards) != 3 {
		t.Errorf("got %d demo job cards, want 3", len(cards))
	}

	// Seeded data carries no pending mutations.
	count, err := repo.PendingSyncCount()
	if err != nil {
		t.Fatalf("PendingSyncCount() error: %v", err)
	}
	if count.Total != 0 {
		t.Errorf("demo seed produced %d pending mutations, want 0", count.Total)
	}
}

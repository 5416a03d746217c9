// Package sync implements the FieldSync synchronization engine: the upload
// pass over pending local mutations, the download refresh of server caches,
// the retry/backoff policy, and the derived status surface the UI consumes.
package sync

import "time"

// Label is the user-facing sync status.
type Label string

const (
	// LabelSyncing means a sync pass is currently running.
	LabelSyncing Label = "syncing"
	// LabelOffline means the device has no connectivity.
	LabelOffline Label = "offline"
	// LabelOnlineSynced means online with nothing pending.
	LabelOnlineSynced Label = "online-synced"
	// LabelOnline means online with local mutations awaiting upload.
	LabelOnline Label = "online"
)

// Project derives the status label from the three underlying facts.
// Precedence: an in-flight sync wins over everything, offline wins over
// pending counts.
func Project(syncing, online bool, pendingTotal int) Label {
	switch {
	case syncing:
		return LabelSyncing
	case !online:
		return LabelOffline
	case pendingTotal == 0:
		return LabelOnlineSynced
	default:
		return LabelOnline
	}
}

// Snapshot is one published status observation.
type Snapshot struct {
	Label        Label      `json:"label"`
	PendingCount int        `json:"pending_count"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	IsSyncing    bool       `json:"is_syncing"`
}

// StatusHandler receives status snapshots on every engine transition.
type StatusHandler interface {
	OnStatus(Snapshot)
}

// StatusHandlerFunc adapts a function to the StatusHandler interface.
type StatusHandlerFunc func(Snapshot)

// OnStatus implements StatusHandler.
func (f StatusHandlerFunc) OnStatus(s Snapshot) { f(s) }

package models

import "time"

// SourceAsset is one asset as reported by the Immich album listing.
// It is transient; only the fingerprint derived from it is compared
// across runs.
type SourceAsset struct {
	ID        string
	Checksum  string
	Filename  string
	MimeType  string
	Size      int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncStatus is the per-item tracking status.
type SyncStatus string

const (
	StatusPending  SyncStatus = "PENDING"
	StatusOK       SyncStatus = "OK"
	StatusFailed   SyncStatus = "FAILED"
	StatusOrphaned SyncStatus = "ORPHANED"
)

// TrackedItem links a source asset to its destination counterpart.
// Rows are never deleted; assets that vanish from the source album
// transition to ORPHANED instead.
type TrackedItem struct {
	SourceAssetID string
	Fingerprint   string
	Filename      string
	Size          int64
	MediaItemID   string
	ProductURL    string
	Status        SyncStatus
	Error         string
	RemovalFailed bool
	LastSyncedAt  time.Time
	CreatedAt     time.Time
}

// RunStatus is the terminal (or in-flight) state of one sync run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunOK        RunStatus = "OK"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// RunSummary is the persisted record of one sync invocation.
type RunSummary struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Total      int
	Uploaded   int
	Skipped    int
	Failed     int
	Removed    int
	LogExcerpt string
}

// Config is the single-row application configuration. Secret fields
// hold plaintext in memory; the store encrypts them at rest.
type Config struct {
	ImmichURL          string
	ImmichAPIKey       string
	ImmichAlbumID      string
	ImmichAlbumName    string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRefreshToken string
	GoogleAlbumID      string
	GoogleAlbumName    string
	SyncEnabled        bool
	SyncIntervalMins   int
}

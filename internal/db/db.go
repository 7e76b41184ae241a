// Package db is the durable side of the mirror: the single-row app
// configuration, the per-asset tracking table, and the run history.
// The tracking table is the only source of truth consulted before any
// upload, which is what makes repeat runs idempotent.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hadiwn/immich-gphotos-mirror/internal/secrets"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

// DB represents a database connection
type DB struct {
	*sql.DB
	cipher *secrets.Cipher
}

// New opens (and if needed creates) the database at path. cipher may
// be nil, in which case credential fields are stored as-is.
func New(path string, cipher *secrets.Cipher) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db := &DB{DB: sqlDB, cipher: cipher}
	if err := db.initialize(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// initialize creates the necessary tables if they don't exist
func (db *DB) initialize() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS app_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			immich_url TEXT NOT NULL DEFAULT '',
			immich_api_key_enc TEXT NOT NULL DEFAULT '',
			immich_album_id TEXT NOT NULL DEFAULT '',
			immich_album_name TEXT NOT NULL DEFAULT '',
			google_client_id TEXT NOT NULL DEFAULT '',
			google_client_secret_enc TEXT NOT NULL DEFAULT '',
			google_refresh_token_enc TEXT NOT NULL DEFAULT '',
			google_album_id TEXT NOT NULL DEFAULT '',
			google_album_name TEXT NOT NULL DEFAULT '',
			sync_enabled INTEGER NOT NULL DEFAULT 0,
			sync_interval_minutes INTEGER NOT NULL DEFAULT 60
		);
		CREATE TABLE IF NOT EXISTS sync_items (
			immich_asset_id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL DEFAULT '',
			filename TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			google_media_item_id TEXT NOT NULL DEFAULT '',
			product_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			error TEXT NOT NULL DEFAULT '',
			removal_failed INTEGER NOT NULL DEFAULT 0,
			last_synced_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_sync_items_status ON sync_items(status);
		CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			status TEXT NOT NULL DEFAULT 'RUNNING',
			total INTEGER NOT NULL DEFAULT 0,
			uploaded INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			removed INTEGER NOT NULL DEFAULT 0,
			log_excerpt TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs(status);
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
		PRAGMA temp_store=MEMORY;
	`)
	return err
}

func (db *DB) encrypt(plaintext string) (string, error) {
	if db.cipher == nil {
		return plaintext, nil
	}
	return db.cipher.Encrypt(plaintext)
}

func (db *DB) decrypt(ciphertext string) (string, error) {
	if db.cipher == nil {
		return ciphertext, nil
	}
	return db.cipher.Decrypt(ciphertext)
}

// GetConfig retrieves the application configuration, creating the row
// on first use.
func (db *DB) GetConfig() (*models.Config, error) {
	if _, err := db.Exec(`INSERT OR IGNORE INTO app_config (id) VALUES (1)`); err != nil {
		return nil, err
	}

	var cfg models.Config
	var apiKeyEnc, clientSecretEnc, refreshTokenEnc string
	err := db.QueryRow(`
		SELECT immich_url, immich_api_key_enc, immich_album_id, immich_album_name,
		       google_client_id, google_client_secret_enc, google_refresh_token_enc,
		       google_album_id, google_album_name, sync_enabled, sync_interval_minutes
		FROM app_config WHERE id = 1
	`).Scan(
		&cfg.ImmichURL,
		&apiKeyEnc,
		&cfg.ImmichAlbumID,
		&cfg.ImmichAlbumName,
		&cfg.GoogleClientID,
		&clientSecretEnc,
		&refreshTokenEnc,
		&cfg.GoogleAlbumID,
		&cfg.GoogleAlbumName,
		&cfg.SyncEnabled,
		&cfg.SyncIntervalMins,
	)
	if err != nil {
		return nil, errors.WithContext(err, "load config")
	}

	if cfg.ImmichAPIKey, err = db.decrypt(apiKeyEnc); err != nil {
		return nil, errors.WithContext(err, "decrypt immich api key")
	}
	if cfg.GoogleClientSecret, err = db.decrypt(clientSecretEnc); err != nil {
		return nil, errors.WithContext(err, "decrypt google client secret")
	}
	if cfg.GoogleRefreshToken, err = db.decrypt(refreshTokenEnc); err != nil {
		return nil, errors.WithContext(err, "decrypt google refresh token")
	}
	return &cfg, nil
}

// SaveConfig persists the full configuration row.
func (db *DB) SaveConfig(cfg *models.Config) error {
	apiKeyEnc, err := db.encrypt(cfg.ImmichAPIKey)
	if err != nil {
		return errors.WithContext(err, "encrypt immich api key")
	}
	clientSecretEnc, err := db.encrypt(cfg.GoogleClientSecret)
	if err != nil {
		return errors.WithContext(err, "encrypt google client secret")
	}
	refreshTokenEnc, err := db.encrypt(cfg.GoogleRefreshToken)
	if err != nil {
		return errors.WithContext(err, "encrypt google refresh token")
	}

	_, err = db.Exec(`
		INSERT INTO app_config (
			id, immich_url, immich_api_key_enc, immich_album_id, immich_album_name,
			google_client_id, google_client_secret_enc, google_refresh_token_enc,
			google_album_id, google_album_name, sync_enabled, sync_interval_minutes
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			immich_url = excluded.immich_url,
			immich_api_key_enc = excluded.immich_api_key_enc,
			immich_album_id = excluded.immich_album_id,
			immich_album_name = excluded.immich_album_name,
			google_client_id = excluded.google_client_id,
			google_client_secret_enc = excluded.google_client_secret_enc,
			google_refresh_token_enc = excluded.google_refresh_token_enc,
			google_album_id = excluded.google_album_id,
			google_album_name = excluded.google_album_name,
			sync_enabled = excluded.sync_enabled,
			sync_interval_minutes = excluded.sync_interval_minutes
	`,
		cfg.ImmichURL, apiKeyEnc, cfg.ImmichAlbumID, cfg.ImmichAlbumName,
		cfg.GoogleClientID, clientSecretEnc, refreshTokenEnc,
		cfg.GoogleAlbumID, cfg.GoogleAlbumName, cfg.SyncEnabled, cfg.SyncIntervalMins,
	)
	return err
}

// SetGoogleAlbum records the destination album after EnsureAlbum, so
// later runs reuse it without a remote existence check.
func (db *DB) SetGoogleAlbum(albumID, albumName string) error {
	_, err := db.Exec(`
		UPDATE app_config SET google_album_id = ?, google_album_name = ? WHERE id = 1
	`, albumID, albumName)
	return err
}

// SetImmichAlbum records the selected source album.
func (db *DB) SetImmichAlbum(albumID, albumName string) error {
	_, err := db.Exec(`
		UPDATE app_config SET immich_album_id = ?, immich_album_name = ? WHERE id = 1
	`, albumID, albumName)
	return err
}

// LookupItem retrieves one tracked item, or nil if the asset has
// never been seen.
func (db *DB) LookupItem(assetID string) (*models.TrackedItem, error) {
	row := db.QueryRow(`
		SELECT immich_asset_id, fingerprint, filename, file_size, google_media_item_id,
		       product_url, status, error, removal_failed, last_synced_at, created_at
		FROM sync_items WHERE immich_asset_id = ?
	`, assetID)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.TrackedItem, error) {
	var item models.TrackedItem
	var lastSynced sql.NullTime
	err := row.Scan(
		&item.SourceAssetID,
		&item.Fingerprint,
		&item.Filename,
		&item.Size,
		&item.MediaItemID,
		&item.ProductURL,
		&item.Status,
		&item.Error,
		&item.RemovalFailed,
		&lastSynced,
		&item.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSynced.Valid {
		item.LastSyncedAt = lastSynced.Time
	}
	return &item, nil
}

// UpsertItem writes the tracked item in a single statement, so the
// status, fingerprint, and destination id always land together.
func (db *DB) UpsertItem(item *models.TrackedItem) error {
	var lastSynced interface{}
	if !item.LastSyncedAt.IsZero() {
		lastSynced = item.LastSyncedAt.UTC()
	}

	_, err := db.Exec(`
		INSERT INTO sync_items (
			immich_asset_id, fingerprint, filename, file_size, google_media_item_id,
			product_url, status, error, removal_failed, last_synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(immich_asset_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			filename = excluded.filename,
			file_size = excluded.file_size,
			google_media_item_id = excluded.google_media_item_id,
			product_url = excluded.product_url,
			status = excluded.status,
			error = excluded.error,
			removal_failed = excluded.removal_failed,
			last_synced_at = excluded.last_synced_at
	`,
		item.SourceAssetID, item.Fingerprint, item.Filename, item.Size,
		item.MediaItemID, item.ProductURL, string(item.Status), item.Error,
		item.RemovalFailed, lastSynced,
	)
	return err
}

// MarkOrphaned transitions an item whose source asset disappeared.
// The row is kept for the audit trail.
func (db *DB) MarkOrphaned(assetID string, removalFailed bool) error {
	_, err := db.Exec(`
		UPDATE sync_items SET status = ?, removal_failed = ? WHERE immich_asset_id = ?
	`, string(models.StatusOrphaned), removalFailed, assetID)
	return err
}

// ListItemsByStatus retrieves all tracked items with the given status.
func (db *DB) ListItemsByStatus(status models.SyncStatus) ([]models.TrackedItem, error) {
	rows, err := db.Query(`
		SELECT immich_asset_id, fingerprint, filename, file_size, google_media_item_id,
		       product_url, status, error, removal_failed, last_synced_at, created_at
		FROM sync_items WHERE status = ? ORDER BY immich_asset_id
	`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.TrackedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CreateRun inserts a new RUNNING run row. The insert and the check
// for an existing RUNNING row share one immediate transaction, which
// is the exclusive run lock: a second caller gets ErrRunInProgress.
func (db *DB) CreateRun(startedAt time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var running int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM sync_runs WHERE status = ?
	`, string(models.RunRunning)).Scan(&running)
	if err != nil {
		return 0, err
	}
	if running > 0 {
		return 0, errors.ErrRunInProgress
	}

	res, err := tx.Exec(`
		INSERT INTO sync_runs (started_at, status) VALUES (?, ?)
	`, startedAt.UTC(), string(models.RunRunning))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// UpdateRunProgress refreshes the counters of an in-flight run.
func (db *DB) UpdateRunProgress(runID int64, total, uploaded, skipped, failed, removed int) error {
	_, err := db.Exec(`
		UPDATE sync_runs SET total = ?, uploaded = ?, skipped = ?, failed = ?, removed = ?
		WHERE id = ?
	`, total, uploaded, skipped, failed, removed, runID)
	return err
}

// FinishRun sets the terminal status exactly once; a run that has
// already finished is left untouched.
func (db *DB) FinishRun(runID int64, status models.RunStatus, finishedAt time.Time, logExcerpt string) error {
	_, err := db.Exec(`
		UPDATE sync_runs SET status = ?, finished_at = ?, log_excerpt = ?
		WHERE id = ? AND finished_at IS NULL
	`, string(status), finishedAt.UTC(), logExcerpt, runID)
	return err
}

// AbortRuns force-finishes every RUNNING run as FAILED and returns how
// many rows were released. This is the recovery path for a lock left
// behind by a crashed process; a live run whose row is aborted still
// finishes its work, it just cannot write a terminal status anymore.
func (db *DB) AbortRuns(finishedAt time.Time) (int64, error) {
	res, err := db.Exec(`
		UPDATE sync_runs SET status = ?, finished_at = ?, log_excerpt = ?
		WHERE status = ? AND finished_at IS NULL
	`, string(models.RunFailed), finishedAt.UTC(), "aborted: run lock released manually",
		string(models.RunRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CurrentRun returns the in-flight run, or nil when idle.
func (db *DB) CurrentRun() (*models.RunSummary, error) {
	row := db.QueryRow(`
		SELECT id, started_at, finished_at, status, total, uploaded, skipped, failed, removed, log_excerpt
		FROM sync_runs WHERE status = ? ORDER BY started_at DESC LIMIT 1
	`, string(models.RunRunning))

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(runID int64) (*models.RunSummary, error) {
	row := db.QueryRow(`
		SELECT id, started_at, finished_at, status, total, uploaded, skipped, failed, removed, log_excerpt
		FROM sync_runs WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if err != nil {
		return nil, errors.WithContext(err, fmt.Sprintf("run %d", runID))
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first.
func (db *DB) ListRuns(limit int) ([]models.RunSummary, error) {
	rows, err := db.Query(`
		SELECT id, started_at, finished_at, status, total, uploaded, skipped, failed, removed, log_excerpt
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*models.RunSummary, error) {
	var run models.RunSummary
	var finished sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&finished,
		&run.Status,
		&run.Total,
		&run.Uploaded,
		&run.Skipped,
		&run.Failed,
		&run.Removed,
		&run.LogExcerpt,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

// TrackerStats returns statistics about the tracking table.
func (db *DB) TrackerStats() (*models.TrackerStats, error) {
	var stats models.TrackerStats
	err := db.QueryRow(`
		SELECT
			COUNT(*) as total_items,
			COALESCE(SUM(file_size), 0) as total_size,
			COUNT(CASE WHEN status = 'OK' THEN 1 END) as ok_items,
			COALESCE(SUM(CASE WHEN status = 'OK' THEN file_size ELSE 0 END), 0) as ok_size,
			COUNT(CASE WHEN status = 'PENDING' THEN 1 END) as pending_items,
			COUNT(CASE WHEN status = 'FAILED' THEN 1 END) as failed_items,
			COUNT(CASE WHEN status = 'ORPHANED' THEN 1 END) as orphaned_items
		FROM sync_items
	`).Scan(
		&stats.TotalItems,
		&stats.TotalSize,
		&stats.OKItems,
		&stats.OKSize,
		&stats.PendingItems,
		&stats.FailedItems,
		&stats.OrphanedItems,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %v", err)
	}
	return &stats, nil
}

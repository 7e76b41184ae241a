// Package sync reconciles the current Immich album listing against the
// tracking table and drives the download-then-upload pipeline for
// every asset that is new, changed, or previously failed.
package sync

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/hadiwn/immich-gphotos-mirror/internal/db"
	"github.com/hadiwn/immich-gphotos-mirror/internal/gphotos"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

// logExcerptLines caps how much of the run log is persisted with the
// run record.
const logExcerptLines = 50

// SourceClient reads the album listing and asset bytes from the
// source server.
type SourceClient interface {
	AlbumAssets(ctx context.Context, albumID string) ([]models.SourceAsset, error)
	Download(ctx context.Context, assetID string) (io.ReadCloser, error)
}

// DestClient writes media into the destination album.
type DestClient interface {
	EnsureAlbum(ctx context.Context, title string) (string, error)
	Upload(ctx context.Context, filename, mimeType string, r io.Reader) (string, error)
	BatchCreate(ctx context.Context, albumID string, items []gphotos.NewMediaItem) ([]gphotos.MediaItem, error)
	RemoveFromAlbum(ctx context.Context, albumID string, mediaItemIDs []string) error
}

// Syncer executes one end-to-end mirror run.
type Syncer struct {
	db     *db.DB
	source SourceClient
	dest   DestClient
	clock  clockwork.Clock

	showProgress bool
	logLines     []string
}

// SyncerConfig holds configuration for the syncer
type SyncerConfig struct {
	// ShowProgress renders a terminal progress bar over the asset loop.
	ShowProgress bool
	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
}

// NewSyncer creates a new syncer instance
func NewSyncer(database *db.DB, source SourceClient, dest DestClient, config *SyncerConfig) *Syncer {
	if config == nil {
		config = &SyncerConfig{}
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Syncer{
		db:           database,
		source:       source,
		dest:         dest,
		clock:        clock,
		showProgress: config.ShowProgress,
	}
}

// Status reports whether a run is currently active.
type Status struct {
	Running bool
	RunID   int64
}

// Status returns the engine's current state.
func (s *Syncer) Status() (Status, error) {
	run, err := s.db.CurrentRun()
	if err != nil {
		return Status{}, err
	}
	if run == nil {
		return Status{}, nil
	}
	return Status{Running: true, RunID: run.ID}, nil
}

func (s *Syncer) logf(level log.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	timestamp := s.clock.Now().UTC().Format("2006-01-02 15:04:05")
	s.logLines = append(s.logLines, fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level.String()), msg))
	log.StandardLogger().Log(level, msg)
}

func (s *Syncer) logExcerpt() string {
	lines := s.logLines
	if len(lines) > logExcerptLines {
		lines = lines[len(lines)-logExcerptLines:]
	}
	return strings.Join(lines, "\n")
}

// validateConfig checks that a run can start at all. Failures here
// happen before the run lock is taken and leave no trace in the run
// history.
func validateConfig(cfg *models.Config) error {
	switch {
	case cfg.ImmichURL == "" || cfg.ImmichAPIKey == "":
		return errors.ConfigIncompleteError{Field: "immich credentials"}
	case cfg.ImmichAlbumID == "":
		return errors.ConfigIncompleteError{Field: "source album selection"}
	case cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" || cfg.GoogleRefreshToken == "":
		// Token refresh needs all three. A stored destination album id
		// is no substitute: every upload still authenticates.
		return errors.ConfigIncompleteError{Field: "google credentials"}
	}
	return nil
}

// runState carries the mutable bookkeeping of one run.
type runState struct {
	runID    int64
	total    int
	uploaded int
	skipped  int
	failed   int
	removed  int
	quotaHit int
}

func (rs *runState) summary(status models.RunStatus, started, finished time.Time, excerpt string) *models.RunSummary {
	return &models.RunSummary{
		ID:         rs.runID,
		StartedAt:  started,
		FinishedAt: finished,
		Status:     status,
		Total:      rs.total,
		Uploaded:   rs.uploaded,
		Skipped:    rs.skipped,
		Failed:     rs.failed,
		Removed:    rs.removed,
		LogExcerpt: excerpt,
	}
}

// Run executes one sync run. ConfigIncompleteError and
// ErrRunInProgress are returned before any run record exists; every
// other failure is absorbed into the returned RunSummary.
func (s *Syncer) Run(ctx context.Context) (*models.RunSummary, error) {
	cfg, err := s.db.GetConfig()
	if err != nil {
		return nil, errors.WithContext(err, "load configuration")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	startedAt := s.clock.Now().UTC()
	runID, err := s.db.CreateRun(startedAt)
	if err != nil {
		return nil, err
	}

	// Reset the log buffer only once the lock is held, so a rejected
	// caller cannot clobber the active run's log.
	s.logLines = nil

	state := &runState{runID: runID}
	s.logf(log.InfoLevel, "Starting sync run %d for album %q", runID, cfg.ImmichAlbumName)

	status := s.execute(ctx, cfg, state)

	finishedAt := s.clock.Now().UTC()
	excerpt := s.logExcerpt()
	if err := s.db.UpdateRunProgress(runID, state.total, state.uploaded, state.skipped, state.failed, state.removed); err != nil {
		log.WithError(err).Warn("Failed to persist final run counters")
	}
	if err := s.db.FinishRun(runID, status, finishedAt, excerpt); err != nil {
		log.WithError(err).Warn("Failed to persist terminal run status")
	}

	return state.summary(status, startedAt, finishedAt, excerpt), nil
}

// execute drives the run after the lock is held and always returns a
// terminal status. Panics are converted to FAILED so nothing escapes
// the Run boundary.
func (s *Syncer) execute(ctx context.Context, cfg *models.Config, state *runState) (status models.RunStatus) {
	defer func() {
		if r := recover(); r != nil {
			s.logf(log.ErrorLevel, "Sync run panicked: %v", r)
			status = models.RunFailed
		}
	}()

	albumID, err := s.ensureDestinationAlbum(ctx, cfg)
	if err != nil {
		s.logf(log.ErrorLevel, "Failed to ensure destination album: %v", err)
		return models.RunFailed
	}

	s.logf(log.InfoLevel, "Fetching assets from Immich...")
	assets, err := s.source.AlbumAssets(ctx, cfg.ImmichAlbumID)
	if err != nil {
		// Without a listing no reconciliation decision is safe.
		s.logf(log.ErrorLevel, "Failed to list album assets: %v", err)
		return models.RunFailed
	}
	state.total = len(assets)
	s.logf(log.InfoLevel, "Found %d assets in source album", len(assets))

	var bar *pb.ProgressBar
	if s.showProgress {
		bar = pb.StartNew(len(assets))
		defer bar.Finish()
	}

	seen := make(map[string]bool, len(assets))
	for i, asset := range assets {
		// Cancellation is only honored between assets, never
		// mid-upload, so no remote write is abandoned silently.
		if ctx.Err() != nil {
			s.logf(log.WarnLevel, "Cancellation requested; stopping sync")
			return models.RunCancelled
		}

		s.logf(log.InfoLevel, "Processing asset %d/%d: %s", i+1, len(assets), asset.Filename)
		s.syncAsset(ctx, cfg, albumID, asset, state)
		seen[asset.ID] = true

		if bar != nil {
			bar.Increment()
		}
		if err := s.db.UpdateRunProgress(state.runID, state.total, state.uploaded, state.skipped, state.failed, state.removed); err != nil {
			log.WithError(err).Warn("Failed to persist run progress")
		}
	}

	if ctx.Err() != nil {
		s.logf(log.WarnLevel, "Cancellation requested; stopping sync")
		return models.RunCancelled
	}

	if err := s.detectOrphans(ctx, albumID, seen, state); err != nil {
		s.logf(log.ErrorLevel, "Orphan detection failed: %v", err)
		return models.RunFailed
	}

	if state.quotaHit > 0 {
		s.logf(log.WarnLevel, "Destination reported quota exhaustion %d times; remaining uploads will keep failing until space is freed", state.quotaHit)
	}

	s.logf(log.InfoLevel, "Sync completed: %d uploaded, %d skipped, %d failed, %d removed",
		state.uploaded, state.skipped, state.failed, state.removed)
	return models.RunOK
}

// ensureDestinationAlbum reuses the persisted destination album id
// when one exists, otherwise creates the album and writes the id back
// to the configuration.
func (s *Syncer) ensureDestinationAlbum(ctx context.Context, cfg *models.Config) (string, error) {
	if cfg.GoogleAlbumID != "" {
		s.logf(log.InfoLevel, "Using existing Google album: %s", cfg.GoogleAlbumName)
		return cfg.GoogleAlbumID, nil
	}

	title := "Immich - " + cfg.ImmichAlbumName
	s.logf(log.InfoLevel, "Creating Google Photos album: %s", title)

	albumID, err := s.dest.EnsureAlbum(ctx, title)
	if err != nil {
		return "", err
	}
	if err := s.db.SetGoogleAlbum(albumID, title); err != nil {
		return "", errors.WithContext(err, "persist destination album id")
	}

	cfg.GoogleAlbumID = albumID
	cfg.GoogleAlbumName = title
	s.logf(log.InfoLevel, "Google album ready: %s", albumID)
	return albumID, nil
}

// syncAsset applies the decision table to one asset and updates the
// run counters. Failures are absorbed into the tracking table; they
// never abort the run.
func (s *Syncer) syncAsset(ctx context.Context, cfg *models.Config, albumID string, asset models.SourceAsset, state *runState) {
	fingerprint := Fingerprint(asset)

	tracked, err := s.db.LookupItem(asset.ID)
	if err != nil {
		s.recordFailure(asset, nil, errors.WithContext(err, "tracker lookup"), state)
		return
	}

	if tracked != nil && tracked.Status == models.StatusOK && tracked.Fingerprint == fingerprint {
		s.logf(log.InfoLevel, "Skipping unchanged: %s", asset.Filename)
		state.skipped++
		return
	}
	if tracked != nil && tracked.Status == models.StatusOK {
		// Changed upstream. The old destination item stays in the
		// library; the API cannot delete it.
		s.logf(log.InfoLevel, "Asset changed, re-uploading: %s", asset.Filename)
	}

	mediaItem, err := s.transfer(ctx, albumID, asset)
	if err != nil {
		s.logf(log.ErrorLevel, "Failed to sync %s: %v", asset.Filename, err)
		s.recordFailure(asset, tracked, err, state)
		return
	}

	item := &models.TrackedItem{
		SourceAssetID: asset.ID,
		Fingerprint:   fingerprint,
		Filename:      asset.Filename,
		Size:          asset.Size,
		MediaItemID:   mediaItem.ID,
		ProductURL:    mediaItem.ProductURL,
		Status:        models.StatusOK,
		LastSyncedAt:  s.clock.Now().UTC(),
	}
	if err := s.db.UpsertItem(item); err != nil {
		// The upload landed but the tracker row did not. The next run
		// re-uploads, which costs a duplicate rather than a lost item.
		s.logf(log.ErrorLevel, "Failed to record %s after upload: %v", asset.Filename, err)
		state.failed++
		return
	}

	state.uploaded++
}

// transfer moves one asset: download, streaming upload, finalize.
func (s *Syncer) transfer(ctx context.Context, albumID string, asset models.SourceAsset) (*gphotos.MediaItem, error) {
	body, err := s.source.Download(ctx, asset.ID)
	if err != nil {
		return nil, errors.WithContext(err, "download")
	}
	defer body.Close()

	uploadToken, err := s.dest.Upload(ctx, asset.Filename, asset.MimeType, body)
	if err != nil {
		return nil, errors.WithContext(err, "upload")
	}

	created, err := s.dest.BatchCreate(ctx, albumID, []gphotos.NewMediaItem{
		{UploadToken: uploadToken, Filename: asset.Filename},
	})
	if err != nil {
		return nil, errors.WithContext(err, "finalize")
	}
	if len(created) != 1 {
		return nil, errors.InvalidContentError{Message: fmt.Sprintf("expected 1 created item, got %d", len(created))}
	}
	return &created[0], nil
}

// recordFailure marks the item FAILED while keeping the last
// successfully synced fingerprint and destination id intact.
func (s *Syncer) recordFailure(asset models.SourceAsset, tracked *models.TrackedItem, cause error, state *runState) {
	var quota errors.QuotaError
	if errors.As(cause, &quota) {
		state.quotaHit++
	}

	item := &models.TrackedItem{
		SourceAssetID: asset.ID,
		Filename:      asset.Filename,
		Size:          asset.Size,
		Status:        models.StatusFailed,
		Error:         cause.Error(),
	}
	if tracked != nil {
		item.Fingerprint = tracked.Fingerprint
		item.MediaItemID = tracked.MediaItemID
		item.ProductURL = tracked.ProductURL
		item.LastSyncedAt = tracked.LastSyncedAt
	}

	if err := s.db.UpsertItem(item); err != nil {
		log.WithError(err).WithField("asset", asset.ID).Warn("Failed to record item failure")
	}
	state.failed++
}

// detectOrphans finds previously OK items whose source asset no longer
// appears in the listing, detaches them from the destination album
// best-effort, and marks them ORPHANED either way.
func (s *Syncer) detectOrphans(ctx context.Context, albumID string, seen map[string]bool, state *runState) error {
	okItems, err := s.db.ListItemsByStatus(models.StatusOK)
	if err != nil {
		return errors.WithContext(err, "list tracked items")
	}

	for _, item := range okItems {
		if seen[item.SourceAssetID] {
			continue
		}

		removalFailed := false
		if item.MediaItemID != "" {
			if err := s.dest.RemoveFromAlbum(ctx, albumID, []string{item.MediaItemID}); err != nil {
				s.logf(log.WarnLevel, "Failed to remove orphan %s from album: %v", item.Filename, err)
				removalFailed = true
			}
		}

		if err := s.db.MarkOrphaned(item.SourceAssetID, removalFailed); err != nil {
			return errors.WithContext(err, "mark orphaned")
		}
		s.logf(log.InfoLevel, "Orphaned: %s (removal failed: %v)", item.Filename, removalFailed)
		state.removed++
	}
	return nil
}

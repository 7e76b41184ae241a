package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hadiwn/immich-gphotos-mirror/internal/secrets"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/errors"
	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

func openTestDB(t *testing.T, cipher *secrets.Cipher) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestConfigRoundTrip(t *testing.T) {
	database := openTestDB(t, secrets.New("test-passphrase"))

	cfg, err := database.GetConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.ImmichURL)
	assert.Equal(t, 60, cfg.SyncIntervalMins)

	cfg.ImmichURL = "http://immich.local"
	cfg.ImmichAPIKey = "secret-api-key"
	cfg.GoogleRefreshToken = "secret-refresh-token"
	cfg.SyncEnabled = true
	cfg.SyncIntervalMins = 30
	require.NoError(t, database.SaveConfig(cfg))

	loaded, err := database.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	// Secret fields must not be stored as plaintext.
	var stored string
	err = database.QueryRow(`SELECT immich_api_key_enc FROM app_config WHERE id = 1`).Scan(&stored)
	require.NoError(t, err)
	assert.NotEqual(t, "secret-api-key", stored)
	assert.NotEmpty(t, stored)
}

func TestSetAlbums(t *testing.T) {
	database := openTestDB(t, nil)
	_, err := database.GetConfig()
	require.NoError(t, err)

	require.NoError(t, database.SetImmichAlbum("album-1", "Holiday"))
	require.NoError(t, database.SetGoogleAlbum("g-album", "Immich - Holiday"))

	cfg, err := database.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, "album-1", cfg.ImmichAlbumID)
	assert.Equal(t, "Holiday", cfg.ImmichAlbumName)
	assert.Equal(t, "g-album", cfg.GoogleAlbumID)
	assert.Equal(t, "Immich - Holiday", cfg.GoogleAlbumName)
}

func TestItemUpsertAndLookup(t *testing.T) {
	database := openTestDB(t, nil)

	missing, err := database.LookupItem("a1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	item := &models.TrackedItem{
		SourceAssetID: "a1",
		Fingerprint:   "chk:abc",
		Filename:      "one.jpg",
		Size:          1024,
		MediaItemID:   "media-1",
		ProductURL:    "https://photos.example/one",
		Status:        models.StatusOK,
		LastSyncedAt:  time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, database.UpsertItem(item))

	loaded, err := database.LookupItem("a1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "chk:abc", loaded.Fingerprint)
	assert.Equal(t, "media-1", loaded.MediaItemID)
	assert.Equal(t, models.StatusOK, loaded.Status)
	assert.True(t, loaded.LastSyncedAt.Equal(item.LastSyncedAt))
	assert.False(t, loaded.CreatedAt.IsZero())

	// Status, fingerprint, and destination id land together on update.
	item.Fingerprint = "chk:def"
	item.MediaItemID = "media-2"
	item.Status = models.StatusFailed
	item.Error = "upload failed"
	require.NoError(t, database.UpsertItem(item))

	updated, err := database.LookupItem("a1")
	require.NoError(t, err)
	assert.Equal(t, "chk:def", updated.Fingerprint)
	assert.Equal(t, "media-2", updated.MediaItemID)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, "upload failed", updated.Error)
	assert.Equal(t, loaded.CreatedAt, updated.CreatedAt, "created_at survives upserts")
}

func TestMarkOrphanedAndListByStatus(t *testing.T) {
	database := openTestDB(t, nil)

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, database.UpsertItem(&models.TrackedItem{
			SourceAssetID: id,
			Status:        models.StatusOK,
		}))
	}

	require.NoError(t, database.MarkOrphaned("a2", true))

	ok, err := database.ListItemsByStatus(models.StatusOK)
	require.NoError(t, err)
	assert.Len(t, ok, 2)

	orphaned, err := database.ListItemsByStatus(models.StatusOrphaned)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "a2", orphaned[0].SourceAssetID)
	assert.True(t, orphaned[0].RemovalFailed)
}

func TestRunLock(t *testing.T) {
	database := openTestDB(t, nil)

	runID, err := database.CreateRun(time.Now())
	require.NoError(t, err)

	_, err = database.CreateRun(time.Now())
	assert.True(t, errors.Is(err, errors.ErrRunInProgress))

	require.NoError(t, database.FinishRun(runID, models.RunOK, time.Now(), "done"))

	// Lock is free again once the run reached a terminal status.
	_, err = database.CreateRun(time.Now())
	assert.NoError(t, err)
}

func TestAbortRunsReleasesLock(t *testing.T) {
	database := openTestDB(t, nil)

	released, err := database.AbortRuns(time.Now())
	require.NoError(t, err)
	assert.Zero(t, released, "nothing to release when idle")

	// Simulate a crashed process: a RUNNING row nobody will finish.
	staleID, err := database.CreateRun(time.Now())
	require.NoError(t, err)
	_, err = database.CreateRun(time.Now())
	require.True(t, errors.Is(err, errors.ErrRunInProgress))

	released, err = database.AbortRuns(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	stale, err := database.GetRun(staleID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, stale.Status)
	assert.False(t, stale.FinishedAt.IsZero())

	_, err = database.CreateRun(time.Now())
	assert.NoError(t, err, "lock must be free after the abort")
}

func TestFinishRunIsWriteOnce(t *testing.T) {
	database := openTestDB(t, nil)

	runID, err := database.CreateRun(time.Now())
	require.NoError(t, err)
	require.NoError(t, database.UpdateRunProgress(runID, 3, 2, 0, 1, 0))
	require.NoError(t, database.FinishRun(runID, models.RunOK, time.Now(), "first"))

	// A second terminal write must not take effect.
	require.NoError(t, database.FinishRun(runID, models.RunFailed, time.Now(), "second"))

	run, err := database.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunOK, run.Status)
	assert.Equal(t, "first", run.LogExcerpt)
	assert.Equal(t, 3, run.Total)
	assert.Equal(t, 2, run.Uploaded)
	assert.Equal(t, 1, run.Failed)
}

func TestCurrentRunAndHistory(t *testing.T) {
	database := openTestDB(t, nil)

	current, err := database.CurrentRun()
	require.NoError(t, err)
	assert.Nil(t, current)

	first, err := database.CreateRun(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, database.FinishRun(first, models.RunFailed, time.Now().Add(-time.Hour), ""))

	second, err := database.CreateRun(time.Now())
	require.NoError(t, err)

	current, err = database.CurrentRun()
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second, current.ID)

	runs, err := database.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].ID, "newest first")
}

func TestTrackerStats(t *testing.T) {
	database := openTestDB(t, nil)

	require.NoError(t, database.UpsertItem(&models.TrackedItem{
		SourceAssetID: "a1", Size: 1000, Status: models.StatusOK,
	}))
	require.NoError(t, database.UpsertItem(&models.TrackedItem{
		SourceAssetID: "a2", Size: 2000, Status: models.StatusOK,
	}))
	require.NoError(t, database.UpsertItem(&models.TrackedItem{
		SourceAssetID: "a3", Size: 500, Status: models.StatusFailed,
	}))

	stats, err := database.TrackerStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalItems)
	assert.Equal(t, int64(3500), stats.TotalSize)
	assert.Equal(t, int64(2), stats.OKItems)
	assert.Equal(t, int64(3000), stats.OKSize)
	assert.Equal(t, int64(1), stats.FailedItems)
}

package sync

import (
	"testing"
	"time"

	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

func baseAsset() models.SourceAsset {
	return models.SourceAsset{
		ID:        "a1",
		Checksum:  "",
		Filename:  "one.jpg",
		Size:      1024,
		UpdatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFingerprintStability(t *testing.T) {
	withChecksum := baseAsset()
	withChecksum.Checksum = "abc123"

	for _, asset := range []models.SourceAsset{baseAsset(), withChecksum} {
		if Fingerprint(asset) != Fingerprint(asset) {
			t.Errorf("Fingerprint not stable for asset %q", asset.ID)
		}
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.SourceAsset)
	}{
		{
			name:   "checksum appears",
			mutate: func(a *models.SourceAsset) { a.Checksum = "abc123" },
		},
		{
			name:   "timestamp changes",
			mutate: func(a *models.SourceAsset) { a.UpdatedAt = a.UpdatedAt.Add(time.Second) },
		},
		{
			name:   "filename changes",
			mutate: func(a *models.SourceAsset) { a.Filename = "two.jpg" },
		},
		{
			name:   "size changes",
			mutate: func(a *models.SourceAsset) { a.Size++ },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := baseAsset()
			changed := baseAsset()
			tt.mutate(&changed)
			if Fingerprint(original) == Fingerprint(changed) {
				t.Errorf("Fingerprint unchanged after %s", tt.name)
			}
		})
	}
}

func TestFingerprintChecksumWins(t *testing.T) {
	a := baseAsset()
	a.Checksum = "abc123"

	b := a
	b.UpdatedAt = b.UpdatedAt.Add(time.Hour)
	b.Size++

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("metadata must not affect the fingerprint when a checksum is present")
	}
}

func TestFingerprintDistinctAssets(t *testing.T) {
	a := baseAsset()
	b := baseAsset()
	b.Filename = "two.jpg"
	b.Size = 2048

	if Fingerprint(a) == Fingerprint(b) {
		t.Error("distinct assets collided")
	}
}

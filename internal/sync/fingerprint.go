package sync

import (
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hadiwn/immich-gphotos-mirror/pkg/models"
)

// Fingerprint derives the change-detection signature for one source
// asset. The server checksum is the strongest identity signal when
// present; otherwise the signature is derived from the update
// timestamp, filename, and byte size. The two forms carry distinct
// prefixes so a checksum appearing on a later listing always reads as
// a change and forces a re-upload.
//
// A file edited in place with neither checksum nor timestamp changing
// is not detected. That false negative is accepted.
func Fingerprint(asset models.SourceAsset) string {
	if asset.Checksum != "" {
		return "chk:" + asset.Checksum
	}

	hasher := sha512.New()
	fmt.Fprintf(hasher, "%s\x00%s\x00%d",
		asset.UpdatedAt.UTC().Format(time.RFC3339),
		asset.Filename,
		asset.Size,
	)
	return "drv:" + base64.StdEncoding.EncodeToString(hasher.Sum(nil))
}

package repair

import (
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/metrics"
	"github.com/packlane/packageserver/pkg/storage"
)

// algorithmTag extracts the algorithm prefix of a stored integrity string,
// the text before the first "-".
func algorithmTag(integrity string) string {
	tag, _, _ := strings.Cut(integrity, "-")
	return tag
}

// calculateIntegrity degrades to an empty integrity string when the blob
// cannot be read; the failure is logged and the repair pass continues.
func (r *Repairer) calculateIntegrity(
	ctx context.Context,
	l *zap.Logger,
	asset storage.Asset,
	blob *storage.Blob,
	algorithm string,
) string {
	rc, err := blob.Open(ctx)
	if err != nil {
		metrics.RepairHashFailedCounter.WithLabelValues().Inc()
		l.Error("failed to calculate hash for asset", zap.String("asset", asset.Name), zap.Error(err))
		return ""
	}
	defer rc.Close()

	integrity, err := RecalculateIntegrity(algorithm, rc)
	if err != nil {
		metrics.RepairHashFailedCounter.WithLabelValues().Inc()
		l.Error("failed to calculate hash for asset", zap.String("asset", asset.Name), zap.Error(err))
		return ""
	}
	return integrity
}

// RecalculateIntegrity digests the content with the algorithm selected by the
// stored tag, SHA-1 when the tag says so (case-insensitive) and SHA-512 for
// everything else, and re-encodes it as "<tag>-<base64 digest>". The tag is
// carried over verbatim.
func RecalculateIntegrity(algorithm string, content io.Reader) (string, error) {
	var h hash.Hash
	if strings.EqualFold(algorithm, "sha1") {
		h = sha1.New()
	} else {
		h = sha512.New()
	}
	if _, err := io.Copy(h, content); err != nil {
		return "", err
	}
	return algorithm + "-" + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

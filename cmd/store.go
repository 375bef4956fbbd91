package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gocloud.dev/blob"

	// Import bucket drivers for production use
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"

	"github.com/packlane/packageserver/pkg/storage"
)

// supportedBlobSchemes lists the URL schemes with a linked bucket driver
var supportedBlobSchemes = []string{"file://", "gs://"}

// openStore opens the metadata database and the blob content bucket based on
// the configuration
func openStore(ctx context.Context, v *viper.Viper, l *zap.Logger) (*storage.Store, error) {
	bucketURL := blobBucketFlag(v)
	if !isValidBlobScheme(bucketURL) {
		return nil, fmt.Errorf("unsupported blob bucket URL scheme in %q; supported schemes: %s",
			bucketURL, strings.Join(supportedBlobSchemes, ", "))
	}

	l.Info("opening storage",
		zap.String("db_path", dbPathFlag(v)),
		zap.String("blob_bucket", bucketURL),
		zap.String("blob_prefix", blobPrefixFlag(v)),
	)

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}
	if prefix := blobPrefixFlag(v); prefix != "" {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		bucket = blob.PrefixedBucket(bucket, prefix)
	}

	store, err := storage.NewStore(l, dbPathFlag(v), bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

// isValidBlobScheme checks if the bucket URL has a supported scheme
func isValidBlobScheme(bucketURL string) bool {
	for _, scheme := range supportedBlobSchemes {
		if strings.HasPrefix(bucketURL, scheme) {
			return true
		}
	}
	return false
}

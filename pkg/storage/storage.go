package storage

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

const (
	FormatNPM = "npm"

	TypeHosted = "hosted"
	TypeProxy  = "proxy"
	TypeGroup  = "group"

	KindTarball        = "tarball"
	KindPackageRoot    = "package-root"
	KindRepositoryRoot = "repository-root"
)

type (
	// Repository is a configured package repository.
	Repository struct {
		Name   string
		Format string
		Type   string
	}

	// AssetID is the totally ordered identifier of an asset record. IDs are
	// assigned in insertion order and never reused.
	AssetID int64

	// Asset is one content-addressed record inside a repository.
	Asset struct {
		ID         AssetID
		Repository string
		Name       string
		Kind       string
		BlobRef    string
	}

	// Blob is an immutable piece of content together with the hash metrics
	// recorded when it was stored.
	Blob struct {
		Ref  string
		SHA1 string
		Size int64

		bucket *blob.Bucket
	}
)

// Tx is the transactional view handed to a unit of work by Store.WithTx.
// All reads and writes performed through one Tx observe a single consistent
// view and commit atomically together, or not at all.
type Tx interface {
	// FindAssets returns the assets of a repository with id strictly greater
	// than after, ordered by id, capped at limit.
	FindAssets(ctx context.Context, repository string, after AssetID, limit int) ([]Asset, error)

	// GetBlob resolves a blob reference. A missing blob is signalled by a
	// nil blob and a nil error.
	GetBlob(ctx context.Context, ref string) (*Blob, error)

	// CreateAsset inserts a new asset record and returns its identifier.
	CreateAsset(ctx context.Context, asset Asset) (AssetID, error)

	// PutBlob stores content bytes under the given reference and records
	// the blob's hash metrics.
	PutBlob(ctx context.Context, ref string, data []byte) (*Blob, error)
}

// Open returns a reader over the blob's content bytes.
func (b *Blob) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, b.Ref, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, errors.Errorf("blob %s has no content", b.Ref)
		}
		return nil, errors.Wrapf(err, "failed to open blob %s", b.Ref)
	}
	return r, nil
}

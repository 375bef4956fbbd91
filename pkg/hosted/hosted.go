package hosted

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/metrics"
	"github.com/packlane/packageserver/pkg/npm"
	"github.com/packlane/packageserver/pkg/storage"
)

// Facet is the write path of a hosted npm repository: it accepts package
// tarballs and maintains the denormalized package root documents.
type (
	Facet struct {
		l     *zap.Logger
		store *storage.Store
		parse npm.ManifestParserFunc
	}
	Option func(*Facet)
)

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func WithManifestParser(v npm.ManifestParserFunc) Option {
	return func(o *Facet) {
		o.parse = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func NewFacet(l *zap.Logger, store *storage.Store, opts ...Option) *Facet {
	inst := &Facet{
		l:     l.Named("hosted"),
		store: store,
		parse: npm.ParsePackageJSON,
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// Publish stores a package tarball in a hosted npm repository and merges its
// version into the package root, creating the root on first publish. It
// returns the published package id and version.
func (f *Facet) Publish(ctx context.Context, repository string, tarball []byte) (npm.PackageID, string, error) {
	repo, err := f.store.GetRepository(ctx, repository)
	if err != nil {
		return npm.PackageID{}, "", err
	}
	if repo == nil {
		return npm.PackageID{}, "", errors.Errorf("repository %s does not exist", repository)
	}
	if repo.Format != storage.FormatNPM || repo.Type != storage.TypeHosted {
		return npm.PackageID{}, "", errors.Errorf("repository %s is not a hosted npm repository", repository)
	}

	manifest, err := f.parse(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(tarball)), nil
	})
	if err != nil {
		return npm.PackageID{}, "", errors.Wrap(err, "failed to parse package manifest")
	}
	packageID, err := npm.ParsePackageID(npm.ManifestName(manifest))
	if err != nil {
		return npm.PackageID{}, "", err
	}
	version := npm.ManifestVersion(manifest)
	if version == "" {
		return npm.PackageID{}, "", errors.New("package manifest has no version")
	}

	err = f.store.WithTx(ctx, func(tx storage.Tx) error {
		blob, err := tx.PutBlob(ctx, uuid.New().String(), tarball)
		if err != nil {
			return err
		}

		if _, err := tx.CreateAsset(ctx, storage.Asset{
			Repository: repository,
			Name:       npm.TarballPath(packageID.String(), version),
			Kind:       storage.KindTarball,
			BlobRef:    blob.Ref,
		}); err != nil {
			return err
		}

		candidate := npm.BuildPackageRoot(manifest, repository, blob.SHA1)
		sum := sha512.Sum512(tarball)
		candidate.SetIntegrity(version, "sha512-"+base64.StdEncoding.EncodeToString(sum[:]))

		stored, err := f.store.GetPackageRoot(ctx, tx, repository, packageID.String())
		if err != nil {
			return err
		}
		root := npm.MergePackageRoot(stored, candidate)
		return f.store.PutPackageRoot(ctx, tx, repository, packageID.String(), stored, root)
	})
	if err != nil {
		return npm.PackageID{}, "", errors.Wrapf(err, "failed to publish %s", packageID.String())
	}

	metrics.PublishedTarballsCounter.WithLabelValues().Inc()
	f.l.Info("published package version",
		zap.String("repository", repository),
		zap.String("package", packageID.String()),
		zap.String("version", version),
	)
	return packageID, version, nil
}

package repair

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/packlane/packageserver/pkg/metrics"
	"github.com/packlane/packageserver/pkg/npm"
	"github.com/packlane/packageserver/pkg/storage"
)

// DefaultBatchSize bounds the number of assets loaded per transactional batch.
const DefaultBatchSize = 100

// Repairer reprocesses every tarball asset of all hosted npm repositories and
// replaces package roots whose recorded checksums no longer match the blob
// content. This fixes package roots written incorrectly by a historical
// checksum defect in the hosted upload path.
type (
	Repairer struct {
		l            *zap.Logger
		repositories RepositoryLister
		runner       TransactionalBatchRunner
		roots        PackageRootStore
		parse        ManifestParser
		batchSize    int
	}
	Option func(*Repairer)

	// ManifestParser parses an npm package manifest out of tarball bytes
	// provided by a byte-stream supplier.
	ManifestParser func(open func() (io.ReadCloser, error)) (map[string]any, error)
)

// RepositoryLister enumerates all configured repositories.
type RepositoryLister interface {
	ListRepositories(ctx context.Context) ([]storage.Repository, error)
}

// TransactionalBatchRunner executes one unit of work against a transactional
// scope, propagating its error.
type TransactionalBatchRunner interface {
	WithTx(ctx context.Context, fn func(tx storage.Tx) error) error
}

// PackageRootStore reads and replaces the denormalized package root documents
// of a repository within a given transactional scope.
type PackageRootStore interface {
	GetPackageRoot(ctx context.Context, tx storage.Tx, repository, name string) (npm.PackageRoot, error)
	PutPackageRoot(ctx context.Context, tx storage.Tx, repository, name string, prior, root npm.PackageRoot) error
}

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func New(
	l *zap.Logger,
	repositories RepositoryLister,
	runner TransactionalBatchRunner,
	roots PackageRootStore,
	opts ...Option,
) *Repairer {
	inst := &Repairer{
		l:            l.Named("repair"),
		repositories: repositories,
		runner:       runner,
		roots:        roots,
		parse:        npm.ParsePackageJSON,
		batchSize:    DefaultBatchSize,
	}

	for _, opt := range opts {
		opt(inst)
	}

	return inst
}

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

func WithBatchSize(v int) Option {
	return func(o *Repairer) {
		o.batchSize = v
	}
}

func WithManifestParser(v ManifestParser) Option {
	return func(o *Repairer) {
		o.parse = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

// Repair walks all hosted npm repositories sequentially and repairs their
// package roots. Any batch-level error aborts the whole run.
func (r *Repairer) Repair(ctx context.Context) error {
	l := r.l.With(zap.String("run_id", uuid.New().String()))
	l.Info("beginning processing all npm packages for repair")

	repositories, err := r.repositories.ListRepositories(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list repositories")
	}

	for _, repository := range repositories {
		if repository.Format != storage.FormatNPM || repository.Type != storage.TypeHosted {
			continue
		}
		if err := r.repairRepository(ctx, l, repository); err != nil {
			return errors.Wrapf(err, "failed to repair repository %s", repository.Name)
		}
	}
	return nil
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func (r *Repairer) repairRepository(ctx context.Context, l *zap.Logger, repository storage.Repository) error {
	l = l.With(zap.String("repository", repository.Name))
	start := time.Now()

	cursor, more := storage.AssetID(0), true
	for more {
		var err error
		cursor, more, err = r.processBatch(ctx, l, repository, cursor)
		if err != nil {
			return err
		}
	}

	metrics.RepairDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	l.Info("finished processing all npm packages for repair", zap.Duration("duration", time.Since(start)))
	return nil
}

// processBatch runs one transactional batch: load the next page of assets
// strictly after the cursor and reconcile each tarball in it. It returns the
// next cursor, or more=false once the repository is exhausted.
func (r *Repairer) processBatch(
	ctx context.Context,
	l *zap.Logger,
	repository storage.Repository,
	after storage.AssetID,
) (next storage.AssetID, more bool, err error) {
	l.Info("processing next batch of npm packages for repair",
		zap.Int64("after", int64(after)),
		zap.Int("batch_size", r.batchSize),
	)

	err = r.runner.WithTx(ctx, func(tx storage.Tx) error {
		assets, err := tx.FindAssets(ctx, repository.Name, after, r.batchSize)
		if err != nil {
			return errors.Wrap(err, "failed to load asset batch")
		}
		if err := r.updateAssets(ctx, l, tx, repository, assets); err != nil {
			return err
		}
		next, more = nextCursor(assets, r.batchSize)
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	metrics.RepairBatchesCounter.WithLabelValues().Inc()
	return next, more, nil
}

func (r *Repairer) updateAssets(
	ctx context.Context,
	l *zap.Logger,
	tx storage.Tx,
	repository storage.Repository,
	assets []storage.Asset,
) error {
	for _, asset := range assets {
		if asset.Kind != storage.KindTarball {
			continue
		}
		blob, err := tx.GetBlob(ctx, asset.BlobRef)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve blob of asset %s", asset.Name)
		}
		if blob == nil {
			l.Debug("skipping asset without blob", zap.String("asset", asset.Name))
			metrics.RepairMissingBlobCounter.WithLabelValues().Inc()
			continue
		}
		if err := r.maybeUpdateAsset(ctx, l, tx, repository, asset, blob); err != nil {
			return err
		}
	}
	return nil
}

// nextCursor folds a processed batch into the resumption cursor: the
// identifier of the last asset seen. A short or empty page means the
// traversal is complete.
func nextCursor(assets []storage.Asset, limit int) (storage.AssetID, bool) {
	if len(assets) < limit {
		return 0, false
	}
	return assets[len(assets)-1].ID, true
}

func (r *Repairer) maybeUpdateAsset(
	ctx context.Context,
	l *zap.Logger,
	tx storage.Tx,
	repository storage.Repository,
	asset storage.Asset,
	blob *storage.Blob,
) error {
	manifest, err := r.parse(func() (io.ReadCloser, error) {
		return blob.Open(ctx)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to parse manifest of asset %s", asset.Name)
	}

	packageID, err := npm.ParsePackageID(npm.ManifestName(manifest))
	if err != nil {
		return errors.Wrapf(err, "invalid manifest of asset %s", asset.Name)
	}
	version := npm.ManifestVersion(manifest)
	if version == "" {
		return errors.Errorf("manifest of asset %s has no version", asset.Name)
	}

	candidate := npm.BuildPackageRoot(manifest, repository.Name, blob.SHA1)
	r.updatePackageRootIfShasumIncorrect(ctx, l, tx, repository, asset, blob, candidate, packageID, version)
	return nil
}

func (r *Repairer) updatePackageRootIfShasumIncorrect(
	ctx context.Context,
	l *zap.Logger,
	tx storage.Tx,
	repository storage.Repository,
	asset storage.Asset,
	blob *storage.Blob,
	candidate npm.PackageRoot,
	packageID npm.PackageID,
	version string,
) {
	stored, err := r.roots.GetPackageRoot(ctx, tx, repository.Name, packageID.String())
	if err != nil {
		l.Error("failed to update asset", zap.String("asset", asset.Name), zap.Error(err))
		return
	}
	if stored == nil {
		// repair never creates roots, only corrects existing ones
		return
	}
	if stored.Shasum(version) == candidate.Shasum(version) {
		return
	}

	r.maybeUpdateIntegrity(ctx, l, asset, blob, version, stored, candidate)

	merged := npm.MergePackageRoot(stored, candidate)
	if latest := stored.Latest(); latest != "" {
		// correcting an old version must not move the latest tag
		merged.SetLatest(latest)
	}

	if err := r.roots.PutPackageRoot(ctx, tx, repository.Name, packageID.String(), nil, merged); err != nil {
		l.Error("failed to update asset", zap.String("asset", asset.Name), zap.Error(err))
		return
	}

	metrics.RepairedPackageRootsCounter.WithLabelValues().Inc()
	l.Debug("replaced package root",
		zap.String("package", packageID.String()),
		zap.String("version", version),
	)
}

// maybeUpdateIntegrity recomputes dist.integrity of the candidate root, but
// only when the stored root announced one: packages that never had an
// integrity value don't get one forced onto them, and the announced algorithm
// family is preserved.
func (r *Repairer) maybeUpdateIntegrity(
	ctx context.Context,
	l *zap.Logger,
	asset storage.Asset,
	blob *storage.Blob,
	version string,
	stored, candidate npm.PackageRoot,
) {
	incorrect := stored.Integrity(version)
	if incorrect == "" {
		return
	}
	candidate.SetIntegrity(version, r.calculateIntegrity(ctx, l, asset, blob, algorithmTag(incorrect)))
}

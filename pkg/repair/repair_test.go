package repair

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"io"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/packlane/packageserver/pkg/npm"
	"github.com/packlane/packageserver/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)

	store, err := storage.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "metadata.db"), bucket, storage.WithPoolSize(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRepairer(t *testing.T, store *storage.Store, opts ...Option) *Repairer {
	t.Helper()
	return New(zaptest.NewLogger(t), store, store, store, opts...)
}

func createRepository(t *testing.T, store *storage.Store, name, format, repoType string) {
	t.Helper()
	require.NoError(t, store.CreateRepository(context.Background(), storage.Repository{
		Name:   name,
		Format: format,
		Type:   repoType,
	}))
}

func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makePackageTarball(t *testing.T, name, version string) []byte {
	t.Helper()
	return makeTarball(t, map[string]string{
		"package/package.json": `{"name":"` + name + `","version":"` + version + `"}`,
	})
}

// seedTarballAsset stores tarball bytes as a blob and creates the matching
// tarball asset. It returns the authoritative shasum of the blob.
func seedTarballAsset(t *testing.T, store *storage.Store, repository, name, version string, tarball []byte) string {
	t.Helper()
	ctx := context.Background()
	var shasum string
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		b, err := tx.PutBlob(ctx, name+"-"+version, tarball)
		if err != nil {
			return err
		}
		shasum = b.SHA1
		_, err = tx.CreateAsset(ctx, storage.Asset{
			Repository: repository,
			Name:       npm.TarballPath(name, version),
			Kind:       storage.KindTarball,
			BlobRef:    b.Ref,
		})
		return err
	})
	require.NoError(t, err)
	return shasum
}

// seedPackageRoot writes a stored package root with the given dist values,
// simulating metadata written by the defective upload path.
func seedPackageRoot(t *testing.T, store *storage.Store, repository, name, version, shasum, integrity string) {
	t.Helper()
	ctx := context.Background()

	dist := map[string]any{"shasum": shasum}
	if integrity != "" {
		dist["integrity"] = integrity
	}
	root := npm.PackageRoot{
		"name": name,
		"versions": map[string]any{
			version: map[string]any{
				"name":    name,
				"version": version,
				"dist":    dist,
			},
		},
	}

	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return store.PutPackageRoot(ctx, tx, repository, name, nil, root)
	})
	require.NoError(t, err)
}

func readPackageRoot(t *testing.T, store *storage.Store, repository, name string) npm.PackageRoot {
	t.Helper()
	ctx := context.Background()
	var root npm.PackageRoot
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		root, err = store.GetPackageRoot(ctx, tx, repository, name)
		return err
	})
	require.NoError(t, err)
	return root
}

// recordingRoots counts package root writes passing through to the store.
type recordingRoots struct {
	inner PackageRootStore
	puts  int
}

func (r *recordingRoots) GetPackageRoot(ctx context.Context, tx storage.Tx, repository, name string) (npm.PackageRoot, error) {
	return r.inner.GetPackageRoot(ctx, tx, repository, name)
}

func (r *recordingRoots) PutPackageRoot(ctx context.Context, tx storage.Tx, repository, name string, prior, root npm.PackageRoot) error {
	r.puts++
	return r.inner.PutPackageRoot(ctx, tx, repository, name, prior, root)
}

// countingRunner counts the transactional batches requested.
type countingRunner struct {
	inner   TransactionalBatchRunner
	batches int
}

func (r *countingRunner) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	r.batches++
	return r.inner.WithTx(ctx, fn)
}

func TestRepair_CorrectsShasumAndIntegrity(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "abc", "sha1-AAAA")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	sha1Sum := sha1.Sum(tarball)
	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, hex.EncodeToString(sha1Sum[:]), root.Shasum("1.0.0"))
	assert.Equal(t, "sha1-"+base64.StdEncoding.EncodeToString(sha1Sum[:]), root.Integrity("1.0.0"))
}

func TestRepair_DefaultsToSHA512ForOtherAlgorithms(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "abc", "sha512-bogus")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	sha512Sum := sha512.Sum512(tarball)
	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, "sha512-"+base64.StdEncoding.EncodeToString(sha512Sum[:]), root.Integrity("1.0.0"))
}

func TestRepair_NoWriteWhenShasumMatches(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	shasum := seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", shasum, "sha1-stale-but-untouched")

	roots := &recordingRoots{inner: store}
	r := New(zaptest.NewLogger(t), store, store, roots)
	require.NoError(t, r.Repair(context.Background()))

	assert.Zero(t, roots.puts)
	// the stale integrity stays: a matching shasum means no repair at all
	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, "sha1-stale-but-untouched", root.Integrity("1.0.0"))
}

func TestRepair_SecondRunIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "abc", "sha1-AAAA")

	roots := &recordingRoots{inner: store}
	r := New(zaptest.NewLogger(t), store, store, roots)

	require.NoError(t, r.Repair(context.Background()))
	assert.Equal(t, 1, roots.puts)

	require.NoError(t, r.Repair(context.Background()))
	assert.Equal(t, 1, roots.puts, "second run must not write again")
}

func TestRepair_SkipsNonTarballAssets(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	ctx := context.Background()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		b, err := tx.PutBlob(ctx, "root-blob", []byte("not a tarball at all"))
		require.NoError(t, err)
		_, err = tx.CreateAsset(ctx, storage.Asset{
			Repository: "npm-hosted",
			Name:       "foo",
			Kind:       storage.KindPackageRoot,
			BlobRef:    b.Ref,
		})
		return err
	})
	require.NoError(t, err)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "wrong", "")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, "wrong", root.Shasum("1.0.0"), "non-tarball assets must not trigger repair")
}

func TestRepair_SkipsAssetWithMissingBlob(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	ctx := context.Background()
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		_, err := tx.CreateAsset(ctx, storage.Asset{
			Repository: "npm-hosted",
			Name:       "foo/-/foo-1.0.0.tgz",
			Kind:       storage.KindTarball,
			BlobRef:    "dangling-ref",
		})
		return err
	})
	require.NoError(t, err)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "wrong", "")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, "wrong", root.Shasum("1.0.0"), "assets without blob are skipped")
}

func TestRepair_HashFailureDegradesToEmptyIntegrity(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)

	store, err := storage.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "metadata.db"), bucket, storage.WithPoolSize(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "abc", "sha1-AAAA")

	// drop the content bytes so digesting the blob fails while its recorded
	// hash metrics stay available
	err = store.WithTx(ctx, func(tx storage.Tx) error {
		assets, err := tx.FindAssets(ctx, "npm-hosted", 0, 10)
		require.NoError(t, err)
		require.Len(t, assets, 1)
		return bucket.Delete(ctx, assets[0].BlobRef)
	})
	require.NoError(t, err)

	parse := func(open func() (io.ReadCloser, error)) (map[string]any, error) {
		return map[string]any{"name": "foo", "version": "1.0.0"}, nil
	}
	r := New(zaptest.NewLogger(t), store, store, store, WithManifestParser(parse))
	require.NoError(t, r.Repair(ctx), "a hash failure must not abort the pass")

	sha1Sum := sha1.Sum(tarball)
	repaired := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, hex.EncodeToString(sha1Sum[:]), repaired.Shasum("1.0.0"))

	dist := repaired["versions"].(map[string]any)["1.0.0"].(map[string]any)["dist"].(map[string]any)
	integrity, ok := dist["integrity"]
	require.True(t, ok, "the degraded integrity is still written")
	assert.Equal(t, "", integrity)
}

func TestRepair_LeavesAbsentIntegrityAbsent(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-hosted", "foo", "1.0.0", "abc", "")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	sha1Sum := sha1.Sum(tarball)
	root := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, hex.EncodeToString(sha1Sum[:]), root.Shasum("1.0.0"))
	assert.Empty(t, root.Integrity("1.0.0"), "integrity must not be introduced")
}

func TestRepair_NeverCreatesRoots(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	assert.Nil(t, readPackageRoot(t, store, "npm-hosted", "foo"))
}

func TestRepair_SkipsNonHostedAndNonNPMRepositories(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-proxy", storage.FormatNPM, storage.TypeProxy)
	createRepository(t, store, "raw-hosted", "raw", storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-proxy", "foo", "1.0.0", tarball)
	seedPackageRoot(t, store, "npm-proxy", "foo", "1.0.0", "wrong", "")

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	root := readPackageRoot(t, store, "npm-proxy", "foo")
	assert.Equal(t, "wrong", root.Shasum("1.0.0"), "only hosted npm repositories are repaired")
}

func TestRepair_SinglePageRequestsOneBatch(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	for _, version := range []string{"1.0.0", "1.0.1", "1.0.2"} {
		tarball := makePackageTarball(t, "foo", version)
		shasum := seedTarballAsset(t, store, "npm-hosted", "foo", version, tarball)
		seedPackageRoot(t, store, "npm-hosted", "foo", version, shasum, "")
	}

	runner := &countingRunner{inner: store}
	r := New(zaptest.NewLogger(t), store, runner, store)
	require.NoError(t, r.Repair(context.Background()))

	assert.Equal(t, 1, runner.batches, "fewer assets than the batch size must need exactly one batch")
}

func TestRepair_Paginates(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	versions := []string{"1.0.0", "1.0.1", "1.0.2", "1.0.3", "1.0.4"}
	for _, version := range versions {
		tarball := makePackageTarball(t, "foo", version)
		shasum := seedTarballAsset(t, store, "npm-hosted", "foo", version, tarball)
		seedPackageRoot(t, store, "npm-hosted", "foo", version, shasum, "")
	}

	runner := &countingRunner{inner: store}
	r := New(zaptest.NewLogger(t), store, runner, store, WithBatchSize(2))
	require.NoError(t, r.Repair(context.Background()))

	assert.Equal(t, 3, runner.batches)
}

func TestRepair_AbortsOnMalformedManifest(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "a-broken", storage.FormatNPM, storage.TypeHosted)
	createRepository(t, store, "b-pending", storage.FormatNPM, storage.TypeHosted)

	seedTarballAsset(t, store, "a-broken", "foo", "1.0.0", []byte("definitely not a tarball"))

	tarball := makePackageTarball(t, "bar", "1.0.0")
	seedTarballAsset(t, store, "b-pending", "bar", "1.0.0", tarball)
	seedPackageRoot(t, store, "b-pending", "bar", "1.0.0", "wrong", "")

	err := newTestRepairer(t, store).Repair(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a-broken")

	// the aborted run never reached the second repository
	root := readPackageRoot(t, store, "b-pending", "bar")
	assert.Equal(t, "wrong", root.Shasum("1.0.0"))
}

func TestRepair_OnlyAffectedVersionIsRewritten(t *testing.T) {
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	tarball := makePackageTarball(t, "foo", "2.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "2.0.0", tarball)

	// stored root carries an older, untouched version next to the broken one
	ctx := context.Background()
	root := npm.PackageRoot{
		"name": "foo",
		"versions": map[string]any{
			"1.0.0": map[string]any{
				"name": "foo", "version": "1.0.0",
				"dist": map[string]any{"shasum": "old-and-fine"},
			},
			"2.0.0": map[string]any{
				"name": "foo", "version": "2.0.0",
				"dist": map[string]any{"shasum": "broken"},
			},
		},
	}
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return store.PutPackageRoot(ctx, tx, "npm-hosted", "foo", nil, root)
	})
	require.NoError(t, err)

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	sha1Sum := sha1.Sum(tarball)
	repaired := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, hex.EncodeToString(sha1Sum[:]), repaired.Shasum("2.0.0"))
	assert.Equal(t, "old-and-fine", repaired.Shasum("1.0.0"), "unaffected versions survive the rewrite")
}

func TestRepair_DoesNotMoveLatestDistTag(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	createRepository(t, store, "npm-hosted", storage.FormatNPM, storage.TypeHosted)

	// the broken version is an old one; latest points at a newer release
	tarball := makePackageTarball(t, "foo", "1.0.0")
	seedTarballAsset(t, store, "npm-hosted", "foo", "1.0.0", tarball)

	root := npm.PackageRoot{
		"name":      "foo",
		"dist-tags": map[string]any{"latest": "2.0.0"},
		"versions": map[string]any{
			"1.0.0": map[string]any{
				"name": "foo", "version": "1.0.0",
				"dist": map[string]any{"shasum": "broken"},
			},
			"2.0.0": map[string]any{
				"name": "foo", "version": "2.0.0",
				"dist": map[string]any{"shasum": "fine"},
			},
		},
	}
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		return store.PutPackageRoot(ctx, tx, "npm-hosted", "foo", nil, root)
	})
	require.NoError(t, err)

	require.NoError(t, newTestRepairer(t, store).Repair(context.Background()))

	sha1Sum := sha1.Sum(tarball)
	repaired := readPackageRoot(t, store, "npm-hosted", "foo")
	assert.Equal(t, hex.EncodeToString(sha1Sum[:]), repaired.Shasum("1.0.0"))
	assert.Equal(t, "2.0.0", repaired.Latest())
}

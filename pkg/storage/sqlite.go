package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/packlane/packageserver/pkg/npm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrConcurrentModification is returned by PutPackageRoot when the expected
// prior document no longer matches the stored one.
var ErrConcurrentModification = errors.New("package root was concurrently modified")

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	name   TEXT PRIMARY KEY,
	format TEXT NOT NULL,
	type   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS assets (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	repository TEXT NOT NULL REFERENCES repositories (name),
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	blob_ref   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS assets_repository_id ON assets (repository, id);
CREATE TABLE IF NOT EXISTS blobs (
	ref  TEXT PRIMARY KEY,
	sha1 TEXT NOT NULL,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS package_roots (
	repository TEXT NOT NULL,
	name       TEXT NOT NULL,
	root       TEXT NOT NULL,
	PRIMARY KEY (repository, name)
);
`

// Store keeps repository, asset and package root metadata in SQLite and blob
// content bytes in a gocloud.dev bucket.
type (
	Store struct {
		l        *zap.Logger
		path     string
		poolSize int
		pool     *sqlitex.Pool
		bucket   *blob.Bucket
	}
	Option func(*Store)
)

// ------------------------------------------------------------------------------------------------
// ~ Options
// ------------------------------------------------------------------------------------------------

// WithPoolSize sets the size of the SQLite connection pool.
func WithPoolSize(v int) Option {
	return func(o *Store) {
		o.poolSize = v
	}
}

// ------------------------------------------------------------------------------------------------
// ~ Constructor
// ------------------------------------------------------------------------------------------------

func NewStore(l *zap.Logger, path string, bucket *blob.Bucket, opts ...Option) (*Store, error) {
	inst := &Store{
		l:        l.Named("storage"),
		path:     path,
		poolSize: 4,
		bucket:   bucket,
	}

	for _, opt := range opts {
		opt(inst)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    inst.poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metadata database %s", path)
	}
	inst.pool = pool

	return inst, nil
}

// ------------------------------------------------------------------------------------------------
// ~ Public methods
// ------------------------------------------------------------------------------------------------

func (s *Store) CreateRepository(ctx context.Context, repository Repository) error {
	if repository.Name == "" || repository.Format == "" || repository.Type == "" {
		return errors.New("repository name, format and type must not be empty")
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to take connection")
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO repositories (name, format, type) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{repository.Name, repository.Format, repository.Type}},
	)
	return errors.Wrapf(err, "failed to create repository %s", repository.Name)
}

func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take connection")
	}
	defer s.pool.Put(conn)

	var repositories []Repository
	err = sqlitex.Execute(conn,
		`SELECT name, format, type FROM repositories ORDER BY name`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				repositories = append(repositories, Repository{
					Name:   stmt.ColumnText(0),
					Format: stmt.ColumnText(1),
					Type:   stmt.ColumnText(2),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list repositories")
	}
	return repositories, nil
}

func (s *Store) GetRepository(ctx context.Context, name string) (*Repository, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take connection")
	}
	defer s.pool.Put(conn)

	var repository *Repository
	err = sqlitex.Execute(conn,
		`SELECT name, format, type FROM repositories WHERE name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				repository = &Repository{
					Name:   stmt.ColumnText(0),
					Format: stmt.ColumnText(1),
					Type:   stmt.ColumnText(2),
				}
				return nil
			},
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load repository %s", name)
	}
	return repository, nil
}

// WithTx runs fn inside one transactional scope. When fn returns an error the
// scope is rolled back and the error returned, otherwise it commits.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to take connection")
	}
	defer s.pool.Put(conn)

	done := conn.SetInterrupt(ctx.Done())
	defer conn.SetInterrupt(done)

	defer sqlitex.Save(conn)(&err)
	return fn(&storeTx{conn: conn, bucket: s.bucket})
}

// GetPackageRoot reads the stored package root of a repository. Absence is
// signalled by a nil root and a nil error.
func (s *Store) GetPackageRoot(ctx context.Context, tx Tx, repository, name string) (npm.PackageRoot, error) {
	conn, err := txConn(tx)
	if err != nil {
		return nil, err
	}
	doc, found, err := readPackageRootDoc(conn, repository, name)
	if err != nil || !found {
		return nil, err
	}
	var root npm.PackageRoot
	if err := json.UnmarshalFromString(doc, &root); err != nil {
		return nil, errors.Wrapf(err, "failed to decode package root %s", name)
	}
	return root, nil
}

// PutPackageRoot replaces the stored package root of a repository. A non-nil
// prior document acts as concurrency guard: the replace fails with
// ErrConcurrentModification if the stored document differs from it. A nil
// prior forces an unconditional replace.
func (s *Store) PutPackageRoot(ctx context.Context, tx Tx, repository, name string, prior, root npm.PackageRoot) error {
	conn, err := txConn(tx)
	if err != nil {
		return err
	}

	doc, err := json.MarshalToString(root)
	if err != nil {
		return errors.Wrapf(err, "failed to encode package root %s", name)
	}

	if prior != nil {
		priorDoc, err := json.MarshalToString(prior)
		if err != nil {
			return errors.Wrapf(err, "failed to encode prior package root %s", name)
		}
		storedDoc, found, err := readPackageRootDoc(conn, repository, name)
		if err != nil {
			return err
		}
		if !found || storedDoc != priorDoc {
			return errors.Wrapf(ErrConcurrentModification, "package root %s", name)
		}
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO package_roots (repository, name, root) VALUES (?, ?, ?)
		 ON CONFLICT (repository, name) DO UPDATE SET root = excluded.root`,
		&sqlitex.ExecOptions{Args: []any{repository, name, doc}},
	)
	return errors.Wrapf(err, "failed to store package root %s", name)
}

func (s *Store) Close() error {
	return multierr.Append(
		s.pool.Close(),
		s.bucket.Close(),
	)
}

// ------------------------------------------------------------------------------------------------
// ~ Transaction
// ------------------------------------------------------------------------------------------------

type storeTx struct {
	conn   *sqlite.Conn
	bucket *blob.Bucket
}

func (t *storeTx) FindAssets(ctx context.Context, repository string, after AssetID, limit int) ([]Asset, error) {
	var assets []Asset
	err := sqlitex.Execute(t.conn,
		`SELECT id, repository, name, kind, blob_ref FROM assets
		 WHERE repository = ? AND id > ? ORDER BY id LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{repository, int64(after), limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				assets = append(assets, Asset{
					ID:         AssetID(stmt.ColumnInt64(0)),
					Repository: stmt.ColumnText(1),
					Name:       stmt.ColumnText(2),
					Kind:       stmt.ColumnText(3),
					BlobRef:    stmt.ColumnText(4),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query assets of repository %s", repository)
	}
	return assets, nil
}

func (t *storeTx) GetBlob(ctx context.Context, ref string) (*Blob, error) {
	var b *Blob
	err := sqlitex.Execute(t.conn,
		`SELECT ref, sha1, size FROM blobs WHERE ref = ?`,
		&sqlitex.ExecOptions{
			Args: []any{ref},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b = &Blob{
					Ref:    stmt.ColumnText(0),
					SHA1:   stmt.ColumnText(1),
					Size:   stmt.ColumnInt64(2),
					bucket: t.bucket,
				}
				return nil
			},
		},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load blob %s", ref)
	}
	return b, nil
}

func (t *storeTx) CreateAsset(ctx context.Context, asset Asset) (AssetID, error) {
	err := sqlitex.Execute(t.conn,
		`INSERT INTO assets (repository, name, kind, blob_ref) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{asset.Repository, asset.Name, asset.Kind, asset.BlobRef}},
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create asset %s", asset.Name)
	}
	return AssetID(t.conn.LastInsertRowID()), nil
}

func (t *storeTx) PutBlob(ctx context.Context, ref string, data []byte) (*Blob, error) {
	if err := t.bucket.WriteAll(ctx, ref, data, nil); err != nil {
		return nil, errors.Wrapf(err, "failed to write blob %s", ref)
	}
	sum := sha1.Sum(data)
	b := &Blob{
		Ref:    ref,
		SHA1:   hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
		bucket: t.bucket,
	}
	err := sqlitex.Execute(t.conn,
		`INSERT INTO blobs (ref, sha1, size) VALUES (?, ?, ?)
		 ON CONFLICT (ref) DO UPDATE SET sha1 = excluded.sha1, size = excluded.size`,
		&sqlitex.ExecOptions{Args: []any{b.Ref, b.SHA1, b.Size}},
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record blob %s", ref)
	}
	return b, nil
}

// ------------------------------------------------------------------------------------------------
// ~ Private methods
// ------------------------------------------------------------------------------------------------

func txConn(tx Tx) (*sqlite.Conn, error) {
	t, ok := tx.(*storeTx)
	if !ok {
		return nil, errors.Errorf("unexpected transaction type %T", tx)
	}
	return t.conn, nil
}

func readPackageRootDoc(conn *sqlite.Conn, repository, name string) (doc string, found bool, err error) {
	err = sqlitex.Execute(conn,
		`SELECT root FROM package_roots WHERE repository = ? AND name = ?`,
		&sqlitex.ExecOptions{
			Args: []any{repository, name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				doc = stmt.ColumnText(0)
				found = true
				return nil
			},
		},
	)
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to load package root %s", name)
	}
	return doc, found, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return errors.Wrap(err, pragma)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

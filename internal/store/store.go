package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"

	"github.com/propsync/agent/internal/models"
	"github.com/propsync/agent/internal/observability"
)

// Store is the persistent local cache holding entity collection snapshots
// and sync metadata. Implementations must make ReplaceCollection atomic:
// partial writes are never observable.
type Store interface {
	// Open initializes the backing database. It is idempotent and safe for
	// concurrent callers; they all await the same underlying open. A failed
	// open leaves the agent in queue-only degraded mode.
	Open(ctx context.Context) error

	// ReplaceCollection replaces the full contents of a named collection in
	// one transaction (clear, then insert).
	ReplaceCollection(ctx context.Context, name string, items []models.CachedEntity) error

	// Collection returns all cached items of a named collection, unordered.
	// A never-populated collection yields an empty slice.
	Collection(ctx context.Context, name string) ([]models.CachedEntity, error)

	// SetMetadata upserts a single metadata key.
	SetMetadata(ctx context.Context, key, value string) error

	// Metadata reads a single metadata key. ok is false when the key was
	// never set; callers must not treat that as an empty value.
	Metadata(ctx context.Context, key string) (value string, ok bool, err error)

	// ClearAll empties every collection and all metadata.
	ClearAll(ctx context.Context) error

	// SizeBytes reports the on-disk size of the cache, zero if unknown.
	SizeBytes() int64

	Close() error
}

// Metadata keys used by the sync engine.
const (
	MetaLastSync = "lastSync"
)

// collection name -> backing table
var collectionTables = map[string]string{
	models.CollectionProperties: "cache_properties",
	models.CollectionTenants:    "cache_tenants",
	models.CollectionPayments:   "cache_payments",
}

const metadataTable = "agent_metadata"

// SQLStore implements Store on database/sql with either the SQLite or
// PostgreSQL driver.
type SQLStore struct {
	driver   string
	dsn      string
	path     string // local database file, empty for postgres
	dbSystem string // db.system span attribute

	openOnce sync.Once
	openErr  error
	db       *sql.DB
	metrics  *observability.DatabaseMetrics
}

// NewSQLite creates a store backed by a local SQLite file. The file and its
// parent directory are created on Open.
func NewSQLite(path string) *SQLStore {
	return &SQLStore{
		driver:   "sqlite3",
		dsn:      path,
		path:     path,
		dbSystem: "sqlite",
	}
}

// NewPostgres creates a store backed by a PostgreSQL database, for
// deployments where several agents share one cache host.
func NewPostgres(connStr string) *SQLStore {
	return &SQLStore{
		driver:   "postgres",
		dsn:      connStr,
		dbSystem: "postgresql",
	}
}

// Open opens the database and creates tables. Concurrent and repeated calls
// share the one underlying open via sync.Once.
func (s *SQLStore) Open(ctx context.Context) error {
	s.openOnce.Do(func() {
		var db *sql.DB
		var err error
		switch s.driver {
		case "sqlite3":
			db, err = openSQLite(s.path)
		case "postgres":
			db, err = openPostgres(s.dsn)
		default:
			err = fmt.Errorf("unsupported driver %q", s.driver)
		}
		if err != nil {
			s.openErr = fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
			return
		}
		s.db = db
		if m, err := observability.NewDatabaseMetrics(); err == nil {
			s.metrics = m
		}
	})
	return s.openErr
}

// ReplaceCollection clears and repopulates a collection in one transaction.
func (s *SQLStore) ReplaceCollection(ctx context.Context, name string, items []models.CachedEntity) error {
	table, err := s.tableFor(name)
	if err != nil {
		return err
	}

	ctx, span := observability.StartDBSpan(ctx, s.dbSystem, "replace", table)
	defer span.End()

	err = s.replaceCollection(ctx, table, items)
	s.record(ctx, "replace", table, err)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
	}
	observability.SetSuccess(span)
	return nil
}

func (s *SQLStore) replaceCollection(ctx context.Context, table string, items []models.CachedEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO "+table+" (id, payload) VALUES ($1, $2)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, item := range items {
		if _, err := stmt.ExecContext(ctx, item.ID, string(item.Payload)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Collection returns every cached item in the named collection.
func (s *SQLStore) Collection(ctx context.Context, name string) ([]models.CachedEntity, error) {
	table, err := s.tableFor(name)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartDBSpan(ctx, s.dbSystem, "select", table)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, "SELECT id, payload FROM "+table)
	s.record(ctx, "select", table, err)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", models.ErrStorageRead, err)
	}
	defer rows.Close()

	items := []models.CachedEntity{}
	for rows.Next() {
		var item models.CachedEntity
		var payload string
		if err := rows.Scan(&item.ID, &payload); err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("%w: %v", models.ErrStorageRead, err)
		}
		item.Payload = []byte(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", models.ErrStorageRead, err)
	}

	observability.SetSuccess(span)
	return items, nil
}

// SetMetadata upserts one metadata entry.
func (s *SQLStore) SetMetadata(ctx context.Context, key, value string) error {
	if err := s.ready(); err != nil {
		return err
	}

	query := "INSERT INTO " + metadataTable + ` (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := s.db.ExecContext(ctx, query, key, value)
	s.record(ctx, "upsert", metadataTable, err)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
	}
	return nil
}

// Metadata reads one metadata entry. A missing key returns ok=false.
func (s *SQLStore) Metadata(ctx context.Context, key string) (string, bool, error) {
	if err := s.ready(); err != nil {
		return "", false, err
	}

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM "+metadataTable+" WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	s.record(ctx, "select", metadataTable, err)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", models.ErrStorageRead, err)
	}
	return value, true, nil
}

// ClearAll empties every collection and all metadata in one transaction.
func (s *SQLStore) ClearAll(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	ctx, span := observability.StartDBSpan(ctx, s.dbSystem, "clear", "all")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
	}
	defer tx.Rollback()

	for _, table := range collectionTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+metadataTable); err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
	}

	if err := tx.Commit(); err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: %v", models.ErrStorageWrite, err)
	}
	observability.SetSuccess(span)
	return nil
}

// SizeBytes returns the cache file size, zero for remote backends.
func (s *SQLStore) SizeBytes() int64 {
	if s.path == "" {
		return 0
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close closes the underlying database if it was opened.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) tableFor(name string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	table, ok := collectionTables[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnknownCollection, name)
	}
	return table, nil
}

func (s *SQLStore) ready() error {
	if s.db == nil {
		return models.ErrStorageUnavailable
	}
	return nil
}

func (s *SQLStore) record(ctx context.Context, operation, table string, err error) {
	if s.metrics != nil {
		s.metrics.RecordQuery(ctx, operation, table, err)
	}
}

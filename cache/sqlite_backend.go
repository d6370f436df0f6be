package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chessdojo/enginepool/commons"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteBackend stores entries in a SQLite database with a payloads table and a meta table
type SQLiteBackend struct {
	path       string
	db         *sql.DB
	quotaBytes int64
}

// NewSQLiteBackend opens or creates the database at path, quotaBytes > 0 caps the database size
func NewSQLiteBackend(path string, quotaBytes int64) (*SQLiteBackend, error) {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"function": "NewSQLiteBackend",
	})

	if len(strings.TrimSpace(path)) == 0 {
		return nil, commons.NewConfigurationError("cache database path must be given")
	}

	err := os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to make dir for cache database %q: %w", path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open cache database %q: %w", path, err)
	}

	// pragmas below are per connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	backend := &SQLiteBackend{
		path:       path,
		db:         db,
		quotaBytes: quotaBytes,
	}

	err = backend.init(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debugf("Opened cache database %q", path)
	return backend, nil
}

func (backend *SQLiteBackend) init(ctx context.Context) error {
	_, err := backend.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;")
	if err != nil {
		return xerrors.Errorf("failed to set WAL mode: %w", err)
	}

	_, err = backend.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;")
	if err != nil {
		return xerrors.Errorf("failed to set busy timeout: %w", err)
	}

	err = backend.migrate(ctx)
	if err != nil {
		return err
	}

	if backend.quotaBytes > 0 {
		var pageSize int64
		err = backend.db.QueryRowContext(ctx, "PRAGMA page_size;").Scan(&pageSize)
		if err != nil {
			return xerrors.Errorf("failed to read page size: %w", err)
		}

		maxPages := backend.quotaBytes / pageSize
		if maxPages < 1 {
			maxPages = 1
		}

		_, err = backend.db.ExecContext(ctx, "PRAGMA max_page_count = "+strconv.FormatInt(maxPages, 10)+";")
		if err != nil {
			return xerrors.Errorf("failed to set max page count: %w", err)
		}
	}

	return nil
}

// migrate applies migrations newer than the database's user_version, in order
func (backend *SQLiteBackend) migrate(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"package":  "cache",
		"struct":   "SQLiteBackend",
		"function": "migrate",
	})

	var version int
	err := backend.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version)
	if err != nil {
		return xerrors.Errorf("failed to read schema version: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return xerrors.Errorf("failed to read migrations: %w", err)
	}

	sort.Slice(entries, func(i int, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		migrationVersion := getMigrationVersion(entry.Name())
		if migrationVersion <= version {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return xerrors.Errorf("failed to read migration %q: %w", entry.Name(), err)
		}

		tx, err := backend.db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("failed to begin migration %q: %w", entry.Name(), err)
		}

		_, err = tx.ExecContext(ctx, string(content))
		if err != nil {
			tx.Rollback()
			return xerrors.Errorf("failed to apply migration %q: %w", entry.Name(), err)
		}

		_, err = tx.ExecContext(ctx, "PRAGMA user_version = "+strconv.Itoa(migrationVersion)+";")
		if err != nil {
			tx.Rollback()
			return xerrors.Errorf("failed to record migration %q: %w", entry.Name(), err)
		}

		err = tx.Commit()
		if err != nil {
			return xerrors.Errorf("failed to commit migration %q: %w", entry.Name(), err)
		}

		logger.Infof("Upgraded cache database %q to schema version %d", backend.path, migrationVersion)
		version = migrationVersion
	}

	return nil
}

// getMigrationVersion returns the leading number of a migration file name, 0 if there is none
func getMigrationVersion(name string) int {
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}

	version, err := strconv.Atoi(name[:end])
	if err != nil {
		return 0
	}
	return version
}

// GetSchemaVersion returns the database's schema version
func (backend *SQLiteBackend) GetSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := backend.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version)
	if err != nil {
		return 0, xerrors.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// GetPath returns the database path
func (backend *SQLiteBackend) GetPath() string {
	return backend.path
}

// GetPayload returns the payload of the key
func (backend *SQLiteBackend) GetPayload(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := backend.db.QueryRowContext(ctx, "SELECT payload FROM payloads WHERE key = ?", key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, xerrors.Errorf("failed to read payload of %q: %w", key, err)
	}
	return payload, true, nil
}

// ListMeta returns all metadata records
func (backend *SQLiteBackend) ListMeta(ctx context.Context) ([]Meta, error) {
	rows, err := backend.db.QueryContext(ctx, "SELECT key, last_access, size_bytes FROM meta")
	if err != nil {
		return nil, xerrors.Errorf("failed to list metadata: %w", err)
	}
	defer rows.Close()

	metas := []Meta{}
	for rows.Next() {
		var key string
		var lastAccess int64
		var sizeBytes int64
		err = rows.Scan(&key, &lastAccess, &sizeBytes)
		if err != nil {
			return nil, xerrors.Errorf("failed to scan metadata: %w", err)
		}

		metas = append(metas, Meta{
			Key:        key,
			LastAccess: time.UnixMilli(lastAccess),
			SizeBytes:  sizeBytes,
		})
	}

	err = rows.Err()
	if err != nil {
		return nil, xerrors.Errorf("failed to list metadata: %w", err)
	}
	return metas, nil
}

// PutEntry writes the payload and its metadata in one transaction
func (backend *SQLiteBackend) PutEntry(ctx context.Context, key string, payload []byte, meta Meta) error {
	tx, err := backend.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin write of %q: %w", key, mapSQLiteError(err))
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO payloads (key, payload) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET payload = excluded.payload`, key, payload)
	if err != nil {
		tx.Rollback()
		return xerrors.Errorf("failed to write payload of %q: %w", key, mapSQLiteError(err))
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO meta (key, last_access, size_bytes) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET last_access = excluded.last_access, size_bytes = excluded.size_bytes`,
		key, meta.LastAccess.UnixMilli(), meta.SizeBytes)
	if err != nil {
		tx.Rollback()
		return xerrors.Errorf("failed to write metadata of %q: %w", key, mapSQLiteError(err))
	}

	err = tx.Commit()
	if err != nil {
		return xerrors.Errorf("failed to commit write of %q: %w", key, mapSQLiteError(err))
	}
	return nil
}

// TouchMeta refreshes the last access time of the key
func (backend *SQLiteBackend) TouchMeta(ctx context.Context, key string, lastAccess time.Time) error {
	_, err := backend.db.ExecContext(ctx, "UPDATE meta SET last_access = ? WHERE key = ?", lastAccess.UnixMilli(), key)
	if err != nil {
		return xerrors.Errorf("failed to touch metadata of %q: %w", key, mapSQLiteError(err))
	}
	return nil
}

// DeleteEntries removes payloads and metadata of the keys in one transaction
func (backend *SQLiteBackend) DeleteEntries(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := backend.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin delete: %w", err)
	}

	for _, key := range keys {
		_, err = tx.ExecContext(ctx, "DELETE FROM payloads WHERE key = ?", key)
		if err != nil {
			tx.Rollback()
			return xerrors.Errorf("failed to delete payload of %q: %w", key, err)
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM meta WHERE key = ?", key)
		if err != nil {
			tx.Rollback()
			return xerrors.Errorf("failed to delete metadata of %q: %w", key, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return xerrors.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Clear removes all entries
func (backend *SQLiteBackend) Clear(ctx context.Context) error {
	tx, err := backend.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin clear: %w", err)
	}

	for _, table := range []string{"payloads", "meta"} {
		_, err = tx.ExecContext(ctx, "DELETE FROM "+table)
		if err != nil {
			tx.Rollback()
			return xerrors.Errorf("failed to clear %s: %w", table, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return xerrors.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

// EstimateStorage reports database pages in use against the quota
func (backend *SQLiteBackend) EstimateStorage(ctx context.Context) (*StorageEstimate, error) {
	if backend.quotaBytes <= 0 {
		return nil, nil
	}

	var pageCount int64
	err := backend.db.QueryRowContext(ctx, "PRAGMA page_count;").Scan(&pageCount)
	if err != nil {
		return nil, xerrors.Errorf("failed to read page count: %w", err)
	}

	var pageSize int64
	err = backend.db.QueryRowContext(ctx, "PRAGMA page_size;").Scan(&pageSize)
	if err != nil {
		return nil, xerrors.Errorf("failed to read page size: %w", err)
	}

	return &StorageEstimate{
		Usage: pageCount * pageSize,
		Quota: backend.quotaBytes,
	}, nil
}

// Close closes the database
func (backend *SQLiteBackend) Close() error {
	if backend.db == nil {
		return nil
	}
	return backend.db.Close()
}

// mapSQLiteError turns a full database into a quota error
func mapSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL {
		return commons.NewQuotaExceededError(sqliteErr.Error())
	}
	return err
}

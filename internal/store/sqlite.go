package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "github.com/mattn/go-sqlite3"

	"curator/internal/catalog"
	"curator/internal/types"
)

// SQLiteStore implements DataStore over a local SQLite database.
type SQLiteStore struct {
	db          *sql.DB
	mu          sync.RWMutex
	dbPath      string
	readRetries uint64
	log         *zap.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string, readRetries int, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("failed to set busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("failed to set journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		log.Debug("failed to set synchronous=NORMAL", zap.Error(err))
	}

	if readRetries < 0 {
		readRetries = 0
	}
	s := &SQLiteStore{db: db, dbPath: path, readRetries: uint64(readRetries), log: log}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the schema and seeds the default catalog when empty.
func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);

	CREATE TABLE IF NOT EXISTS catalog_fields (
		type TEXT NOT NULL,
		field TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'string',
		required INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (type, field)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM catalog_fields").Scan(&count); err != nil {
		return fmt.Errorf("failed to inspect catalog: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []struct {
		typ, field, kind string
		required         bool
	}{
		{"entity", "name", "string", true},
		{"entity", "description", "string", false},
		{"entity", "status", "string", false},
		{"entity", "tags", "string", false},
		{"source", "name", "string", true},
		{"source", "url", "string", false},
		{"source", "status", "string", false},
		{"source", "tags", "string", false},
		{"tag", "name", "string", true},
		{"tag", "color", "string", false},
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, row := range seed {
		req := 0
		if row.required {
			req = 1
		}
		if _, err := tx.Exec(
			"INSERT INTO catalog_fields (type, field, kind, required) VALUES (?, ?, ?, ?)",
			row.typ, row.field, row.kind, req,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	}
	return tx.Commit()
}

// retryRead retries an idempotent read with capped exponential backoff.
// Writes never go through this path.
func (s *SQLiteStore) retryRead(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.readRetries), ctx))
}

// LoadCatalog returns the current type/field catalog.
func (s *SQLiteStore) LoadCatalog(ctx context.Context) (catalog.Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cat := catalog.Catalog{Types: make(map[string]catalog.TypeDef)}
	err := s.retryRead(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT type, field, kind, required FROM catalog_fields ORDER BY type, field")
		if err != nil {
			return err
		}
		defer rows.Close()

		cat.Types = make(map[string]catalog.TypeDef)
		for rows.Next() {
			var typ, field, kind string
			var required int
			if err := rows.Scan(&typ, &field, &kind, &required); err != nil {
				return err
			}
			def := cat.Types[typ]
			def.Name = typ
			def.Fields = append(def.Fields, catalog.FieldDef{
				Name:     field,
				Kind:     kind,
				Required: required == 1,
			})
			cat.Types[typ] = def
		}
		return rows.Err()
	})
	if err != nil {
		return catalog.Catalog{}, types.WrapE(types.KindUpstreamUnavailable, err, "catalog unavailable")
	}
	return cat, nil
}

// Query returns records of targetType matching all filters.
func (s *SQLiteStore) Query(ctx context.Context, targetType string, filters Filter) ([]types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []types.Record
	err := s.retryRead(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, type, fields, created_at, updated_at FROM records WHERE type = ?", targetType)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			if matchesFilters(rec, filters) {
				records = append(records, rec)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, types.WrapE(types.KindUpstreamUnavailable, err, "query failed")
	}
	return records, nil
}

// Create inserts a new record and returns it.
func (s *SQLiteStore) Create(ctx context.Context, targetType string, fields map[string]any) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec := types.Record{
		ID:        uuid.NewString(),
		Type:      targetType,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records (id, type, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Type, string(data), now.Unix(), now.Unix())
	if err != nil {
		return types.Record{}, types.WrapE(types.KindUpstreamUnavailable, err, "create failed")
	}
	s.log.Debug("record created", zap.String("type", targetType), zap.String("id", rec.ID))
	return rec, nil
}

// Update merges fields into an existing record and returns the result.
func (s *SQLiteStore) Update(ctx context.Context, targetType, id string, fields map[string]any) (types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT id, type, fields, created_at, updated_at FROM records WHERE id = ? AND type = ?",
		id, targetType)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Record{}, types.E(types.KindValidationFailed, "no %s with id %s", targetType, id)
		}
		return types.Record{}, types.WrapE(types.KindUpstreamUnavailable, err, "update failed")
	}

	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	for k, v := range fields {
		rec.Fields[k] = v
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return types.Record{}, fmt.Errorf("failed to encode fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE records SET fields = ?, updated_at = ? WHERE id = ?",
		string(data), rec.UpdatedAt.Unix(), rec.ID)
	if err != nil {
		return types.Record{}, types.WrapE(types.KindUpstreamUnavailable, err, "update failed")
	}
	s.log.Debug("record updated", zap.String("type", targetType), zap.String("id", id))
	return rec, nil
}

// Delete removes a record by id.
func (s *SQLiteStore) Delete(ctx context.Context, targetType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM records WHERE id = ? AND type = ?", id, targetType)
	if err != nil {
		return types.WrapE(types.KindUpstreamUnavailable, err, "delete failed")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return types.E(types.KindValidationFailed, "no %s with id %s", targetType, id)
	}
	s.log.Debug("record deleted", zap.String("type", targetType), zap.String("id", id))
	return nil
}

// DefineField adds a field to the catalog, creating the type if new.
// Callers invalidate the catalog cache after this succeeds.
func (s *SQLiteStore) DefineField(ctx context.Context, targetType string, def catalog.FieldDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := 0
	if def.Required {
		req = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO catalog_fields (type, field, kind, required) VALUES (?, ?, ?, ?)",
		targetType, def.Name, def.Kind, req)
	if err != nil {
		return types.WrapE(types.KindUpstreamUnavailable, err, "catalog update failed")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.Record, error) {
	var rec types.Record
	var fieldsJSON string
	var created, updated int64
	if err := row.Scan(&rec.ID, &rec.Type, &fieldsJSON, &created, &updated); err != nil {
		return types.Record{}, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &rec.Fields); err != nil {
		return types.Record{}, fmt.Errorf("corrupt fields for record %s: %w", rec.ID, err)
	}
	rec.CreatedAt = time.Unix(created, 0).UTC()
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, nil
}

// matchesFilters applies equality filters client-side. Fields are a JSON
// blob, so filtering in SQL would mean expression indexes we don't need at
// this scale.
func matchesFilters(rec types.Record, filters Filter) bool {
	for key, want := range filters {
		if key == "id" {
			if fmt.Sprintf("%v", want) != rec.ID {
				return false
			}
			continue
		}
		got, ok := rec.Fields[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

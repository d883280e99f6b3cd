package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Filter selects which records a query returns
type Filter int

const (
	All Filter = iota
	Enabled
)

const columns = `id, name, version, icon, author, description, source_url,
	installed_at, updated_at, enabled, entry_point, payload_key, checksum, hosts`

// Store persists extension records
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.Mutex
	subs    map[uint64]chan struct{}
	nextSub uint64
}

// Open opens the database at path and applies pending migrations
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Persistence("open store", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Persistence("open store", err)
	}
	// One writer connection keeps statements linearizable
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		logger: logger.Named("registry"),
		subs:   make(map[uint64]chan struct{}),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errs.Persistence("migrate", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return errs.Persistence("migrate", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errs.Persistence("migrate", err)
	}
	for _, r := range results {
		logger.Info("Applied migration",
			zap.Int64("version", r.Source.Version),
			zap.Duration("duration", r.Duration))
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates a record and returns it as stored
func (s *Store) Upsert(ctx context.Context, ext *types.Extension) (*types.Extension, error) {
	if ext == nil || ext.ID == "" {
		return nil, errs.Persistence("upsert", errors.New("extension ID is required"))
	}

	hosts, err := sonic.MarshalString(nonNil(ext.Hosts))
	if err != nil {
		return nil, errs.Persistence("upsert", err)
	}

	installed := ext.InstalledAt.UnixMilli()
	updated := ext.UpdatedAt.UnixMilli()
	if updated < installed {
		updated = installed
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO extensions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name         = excluded.name,
			version      = excluded.version,
			icon         = excluded.icon,
			author       = excluded.author,
			description  = excluded.description,
			source_url   = excluded.source_url,
			updated_at   = MAX(excluded.updated_at, extensions.updated_at),
			entry_point  = excluded.entry_point,
			payload_key  = excluded.payload_key,
			checksum     = excluded.checksum,
			hosts        = excluded.hosts
		RETURNING `+columns,
		ext.ID, ext.Name, ext.Version, ext.Icon, ext.Author, ext.Description, ext.SourceURL,
		installed, updated, ext.Enabled, ext.EntryPoint, ext.PayloadKey, ext.Checksum, hosts,
	)

	saved, err := scan(row)
	if err != nil {
		return nil, errs.Persistence("upsert", err)
	}

	s.notify()
	return saved, nil
}

// Get returns the record for id, or nil when absent
func (s *Store) Get(ctx context.Context, id string) (*types.Extension, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM extensions WHERE id = ?`, id)
	ext, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Persistence("get", err)
	}
	return ext, nil
}

// List returns every record
func (s *Store) List(ctx context.Context) ([]types.Extension, error) {
	return s.query(ctx, All)
}

// ListEnabled returns enabled records
func (s *Store) ListEnabled(ctx context.Context) ([]types.Extension, error) {
	return s.query(ctx, Enabled)
}

// SetEnabled flips the enabled flag and reports whether the row exists
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE extensions SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return false, errs.Persistence("set enabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Persistence("set enabled", err)
	}
	if n > 0 {
		s.notify()
	}
	return n > 0, nil
}

// DeleteByID removes a record and reports whether it existed
func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE id = ?`, id)
	if err != nil {
		return false, errs.Persistence("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Persistence("delete", err)
	}
	if n > 0 {
		s.notify()
	}
	return n > 0, nil
}

// PayloadKeys returns the payload key of every record
func (s *Store) PayloadKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload_key FROM extensions`)
	if err != nil {
		return nil, errs.Persistence("payload keys", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Persistence("payload keys", err)
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("payload keys", err)
	}
	return keys, nil
}

func (s *Store) query(ctx context.Context, filter Filter) ([]types.Extension, error) {
	q := `SELECT ` + columns + ` FROM extensions`
	if filter == Enabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY installed_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errs.Persistence("list", err)
	}
	defer rows.Close()

	out := make([]types.Extension, 0)
	for rows.Next() {
		ext, err := scan(rows)
		if err != nil {
			return nil, errs.Persistence("list", err)
		}
		out = append(out, *ext)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Persistence("list", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (*types.Extension, error) {
	var (
		ext                       types.Extension
		icon, author, description sql.NullString
		installed, updated        int64
		hosts                     string
	)
	err := r.Scan(&ext.ID, &ext.Name, &ext.Version, &icon, &author, &description, &ext.SourceURL,
		&installed, &updated, &ext.Enabled, &ext.EntryPoint, &ext.PayloadKey, &ext.Checksum, &hosts)
	if err != nil {
		return nil, err
	}

	ext.Icon = nullable(icon)
	ext.Author = nullable(author)
	ext.Description = nullable(description)
	ext.InstalledAt = time.UnixMilli(installed)
	ext.UpdatedAt = time.UnixMilli(updated)
	if hosts != "" && hosts != "[]" {
		if err := sonic.UnmarshalString(hosts, &ext.Hosts); err != nil {
			return nil, fmt.Errorf("decode hosts of %s: %w", ext.ID, err)
		}
	}
	return &ext, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

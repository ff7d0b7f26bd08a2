package history

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool        *pgxpool.Pool
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewPostgresStore connects to databaseURL and applies pending migrations
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := NewPostgresStoreWithDeps(pool, &uuidGenerator{}, &defaultTimeSource{})
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	slog.Info("Database connected", "max_conns", cfg.MaxConns)
	return store, nil
}

// NewPostgresStoreWithDeps wraps an existing pool with custom dependencies for testing
func NewPostgresStoreWithDeps(pool *pgxpool.Pool, idGen IDGenerator, timeSrc TimeSource) *PostgresStore {
	return &PostgresStore{
		pool:        pool,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Migrate applies the embedded goose migrations
func (p *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

const recordColumns = `id::text, owner_id, scan_text, scan_source, image_key, created_at, deleted_at`

// Append saves a new record
func (p *PostgresStore) Append(ctx context.Context, ownerID, text string, source Source, imageKey string) (*ScanRecord, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrPersistence)
	}
	if _, err := ParseSource(string(source)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	record := &ScanRecord{
		ID:        p.idGenerator.Generate(),
		OwnerID:   ownerID,
		Text:      text,
		Source:    source,
		ImageKey:  imageKey,
		CreatedAt: p.timeSource.Now(),
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO scan_history (id, owner_id, scan_text, scan_source, image_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.OwnerID, record.Text, string(record.Source), record.ImageKey, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: inserting record: %w", ErrPersistence, err)
	}
	return record, nil
}

// ListActive returns the owner's active records, newest first
func (p *PostgresStore) ListActive(ctx context.Context, ownerID string, opts ListOptions) ([]*ScanRecord, error) {
	query := `SELECT ` + recordColumns + `
		 FROM scan_history
		 WHERE owner_id = $1 AND deleted_at IS NULL`
	args := []any{ownerID}
	if q := strings.TrimSpace(opts.Query); q != "" {
		query += ` AND strpos(lower(scan_text), lower($2)) > 0`
		args = append(args, q)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing records: %w", ErrPersistence, err)
	}
	defer rows.Close()

	records := make([]*ScanRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning record: %w", ErrPersistence, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing records: %w", ErrPersistence, err)
	}
	return records, nil
}

// Get retrieves an active record by ID
func (p *PostgresStore) Get(ctx context.Context, ownerID, id string) (*ScanRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	row := p.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM scan_history
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading record: %w", ErrPersistence, err)
	}
	return record, nil
}

// SoftDelete sets deleted_at on an active record
func (p *PostgresStore) SoftDelete(ctx context.Context, ownerID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE scan_history
		 SET deleted_at = $3
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`,
		id, ownerID, p.timeSource.Now())
	if err != nil {
		return fmt.Errorf("%w: deleting record: %w", ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveSince counts active records created at or after since
func (p *PostgresStore) CountActiveSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return p.count(ctx,
		`SELECT count(*) FROM scan_history
		 WHERE owner_id = $1 AND created_at >= $2 AND deleted_at IS NULL`, ownerID, since)
}

// CountSince counts every record created at or after since
func (p *PostgresStore) CountSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	return p.count(ctx,
		`SELECT count(*) FROM scan_history
		 WHERE owner_id = $1 AND created_at >= $2`, ownerID, since)
}

func (p *PostgresStore) count(ctx context.Context, query string, ownerID string, since time.Time) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx, query, ownerID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting records: %w", ErrPersistence, err)
	}
	return count, nil
}

// Close closes the connection pool
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanRecord(row pgx.Row) (*ScanRecord, error) {
	var (
		record ScanRecord
		source string
	)
	err := row.Scan(&record.ID, &record.OwnerID, &record.Text, &source,
		&record.ImageKey, &record.CreatedAt, &record.DeletedAt)
	if err != nil {
		return nil, err
	}
	record.Source = Source(source)
	record.CreatedAt = record.CreatedAt.UTC()
	if record.DeletedAt != nil {
		deletedAt := record.DeletedAt.UTC()
		record.DeletedAt = &deletedAt
	}
	return &record, nil
}

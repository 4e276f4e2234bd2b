package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// queryTimeout bounds every statement so a hung connection cannot stall a capture
const queryTimeout = 5 * time.Second

// PostgresBackend keeps all records in one table keyed by the full key.
// INSERT ... ON CONFLICT is the create-if-absent primitive.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pool and applies the embedded migrations
func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres backend requires a dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	// simple protocol keeps the pool usable behind pgbouncer and by goose
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := migrate(ctx, cfg.DSN); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func migrate(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	sqlDB, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	return goose.UpContext(ctx, sqlDB, "migrations")
}

// Get reads a live record
func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM kirjuri_records WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`,
		key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

// Put upserts a record and clears any expiry
func (p *PostgresBackend) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := p.pool.Exec(ctx,
		`INSERT INTO kirjuri_records (key, value, expires_at) VALUES ($1, $2, NULL)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = NULL`,
		key, value)
	if err != nil {
		return fmt.Errorf("postgres put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent inserts, or replaces a row whose expiry has passed. The
// conflict clause is evaluated under the row lock, so exactly one
// concurrent caller sees a row affected.
func (p *PostgresBackend) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO kirjuri_records (key, value, expires_at)
		 VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, created_at = now()
		 WHERE kirjuri_records.expires_at IS NOT NULL AND kirjuri_records.expires_at <= now()`,
		key, value, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("postgres conditional put %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a record
func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := p.pool.Exec(ctx, `DELETE FROM kirjuri_records WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// DeleteIfEqual removes a live record whose value is expected
func (p *PostgresBackend) DeleteIfEqual(ctx context.Context, key string, expected []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kirjuri_records
		 WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > now())`,
		key, expected)
	if err != nil {
		return false, fmt.Errorf("postgres conditional delete %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List returns live keys with the prefix
func (p *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx,
		`SELECT key FROM kirjuri_records
		 WHERE key LIKE $1 ESCAPE '\' AND (expires_at IS NULL OR expires_at > now())
		 ORDER BY key COLLATE "C"`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	return keys, nil
}

// Close closes the pool
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

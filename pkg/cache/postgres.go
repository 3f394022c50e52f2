package cache

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"commutecircles/pkg/geo"
	"commutecircles/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ Store = (*PostgresStore)(nil)

// PostgresStore is the shared-server backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres database URL is required")
	}

	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Connected to Postgres cache")
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies the embedded migrations to databaseURL.
func RunMigrations(databaseURL string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres:// URL to the scheme of the pgx/v5 migrate driver.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (s *PostgresStore) Get(ctx context.Context, q types.TransitQuery) (*types.TransitRecord, error) {
	var (
		raw      *string
		duration *int32
	)
	err := s.pool.QueryRow(ctx, `
		SELECT raw_duration_text, duration_minutes
		FROM transit_cache
		WHERE origin = $1 AND destination = $2 AND depart_hour = $3`,
		string(q.Origin), string(q.Destination), q.StoredHour(),
	).Scan(&raw, &duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transit record: %w", err)
	}

	rec := &types.TransitRecord{
		Query:           types.NewQuery(q.Origin, q.Destination, q.DepartureHour),
		RawDurationText: raw,
	}
	if duration != nil {
		rec.DurationMinutes = types.IntPtr(int(*duration))
	}
	return rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec types.TransitRecord) error {
	if err := rec.Query.Validate(); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO transit_cache (origin, destination, depart_hour, raw_duration_text, duration_minutes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (origin, destination, depart_hour) DO UPDATE SET
			raw_duration_text = COALESCE(EXCLUDED.raw_duration_text, transit_cache.raw_duration_text),
			duration_minutes  = EXCLUDED.duration_minutes,
			updated_at        = NOW()
		WHERE transit_cache.duration_minutes IS NULL`,
		string(rec.Query.Origin), string(rec.Query.Destination), rec.Query.StoredHour(),
		rec.RawDurationText, rec.DurationMinutes,
	)
	if err != nil {
		return fmt.Errorf("failed to put transit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RangeByOriginAndMaxDuration(ctx context.Context, origin types.LocationKey, maxMinutes int) ([]types.LocationKey, error) {
	return s.reachable(ctx, origin, nil, maxMinutes)
}

func (s *PostgresStore) ReachableAt(ctx context.Context, origin types.LocationKey, departureHour *int, maxMinutes int) ([]types.LocationKey, error) {
	hour := types.StoredHour(departureHour)
	return s.reachable(ctx, origin, &hour, maxMinutes)
}

// reachable filters on depart_hour unless hour is nil.
func (s *PostgresStore) reachable(ctx context.Context, origin types.LocationKey, hour *int, maxMinutes int) ([]types.LocationKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT destination
		FROM transit_cache
		WHERE origin = $1 AND duration_minutes IS NOT NULL AND duration_minutes <= $2
		  AND ($3::int IS NULL OR depart_hour = $3::int)
		ORDER BY destination`,
		string(origin), maxMinutes, hour,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reachable destinations: %w", err)
	}
	defer rows.Close()

	var out []types.LocationKey
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, fmt.Errorf("failed to scan destination: %w", err)
		}
		out = append(out, types.LocationKey(dest))
	}
	return out, rows.Err()
}

func (s *PostgresStore) FarthestDestination(ctx context.Context, origin types.LocationKey, candidates []types.LocationKey) (types.LocationKey, error) {
	return s.farthest(ctx, origin, nil, candidates)
}

func (s *PostgresStore) FarthestAt(ctx context.Context, origin types.LocationKey, departureHour *int, candidates []types.LocationKey) (types.LocationKey, error) {
	hour := types.StoredHour(departureHour)
	return s.farthest(ctx, origin, &hour, candidates)
}

func (s *PostgresStore) farthest(ctx context.Context, origin types.LocationKey, hour *int, candidates []types.LocationKey) (types.LocationKey, error) {
	if len(candidates) == 0 {
		return origin, nil
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = string(c)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT destination, MIN(duration_minutes)
		FROM transit_cache
		WHERE origin = $1 AND destination = ANY($2) AND duration_minutes IS NOT NULL
		  AND ($3::int IS NULL OR depart_hour = $3::int)
		GROUP BY destination`,
		string(origin), names, hour,
	)
	if err != nil {
		return "", fmt.Errorf("failed to query durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[types.LocationKey]int)
	for rows.Next() {
		var (
			dest    string
			minutes int32
		)
		if err := rows.Scan(&dest, &minutes); err != nil {
			return "", fmt.Errorf("failed to scan duration: %w", err)
		}
		durations[types.LocationKey(dest)] = int(minutes)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return farthest(origin, candidates, durations), nil
}

func (s *PostgresStore) Backfill(ctx context.Context, parse ParseFunc) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, raw_duration_text
		FROM transit_cache
		WHERE duration_minutes IS NULL AND raw_duration_text IS NOT NULL
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return 0, fmt.Errorf("failed to query unparsed rows: %w", err)
	}

	batch := &pgx.Batch{}
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unparsed row: %w", err)
		}
		if minutes, ok := parse(raw); ok {
			batch.Queue(`
				UPDATE transit_cache
				SET duration_minutes = $1, updated_at = NOW()
				WHERE id = $2 AND duration_minutes IS NULL`, minutes, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	results := tx.SendBatch(ctx, batch)
	filled := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("failed to backfill: %w", err)
		}
		filled += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("failed to close backfill batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit backfill: %w", err)
	}
	return filled, nil
}

func (s *PostgresStore) LoadCoordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error) {
	var c geo.Coordinate
	err := s.pool.QueryRow(ctx,
		`SELECT lat, lng FROM geocode_cache WHERE location_key = $1`, string(key),
	).Scan(&c.Lat, &c.Lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return geo.Coordinate{}, false, nil
	}
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("failed to load coordinate: %w", err)
	}
	return c, true, nil
}

func (s *PostgresStore) SaveCoordinate(ctx context.Context, key types.LocationKey, c geo.Coordinate) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geocode_cache (location_key, lat, lng) VALUES ($1, $2, $3)
		ON CONFLICT (location_key) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			updated_at = NOW()`,
		string(key), c.Lat, c.Lng,
	)
	if err != nil {
		return fmt.Errorf("failed to save coordinate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

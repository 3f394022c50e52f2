package cache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"commutecircles/pkg/geo"
	"commutecircles/pkg/types"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the embedded single-file backend. Reads run concurrently;
// writes are serialized through writeMu.
type SQLiteStore struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path with WAL mode
// and a busy timeout, then ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{conn: conn}
	if err := s.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("Connected to SQLite cache", "path", path)
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// EnsureSchema creates tables if they don't exist.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, q types.TransitQuery) (*types.TransitRecord, error) {
	var (
		raw      sql.NullString
		duration sql.NullInt64
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT raw_duration_text, duration_minutes
		FROM transit_cache
		WHERE origin = ? AND destination = ? AND depart_hour = ?`,
		string(q.Origin), string(q.Destination), q.StoredHour(),
	).Scan(&raw, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transit record: %w", err)
	}

	rec := &types.TransitRecord{Query: types.NewQuery(q.Origin, q.Destination, q.DepartureHour)}
	if raw.Valid {
		rec.RawDurationText = types.StringPtr(raw.String)
	}
	if duration.Valid {
		rec.DurationMinutes = types.IntPtr(int(duration.Int64))
	}
	return rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec types.TransitRecord) error {
	if err := rec.Query.Validate(); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO transit_cache (origin, destination, depart_hour, raw_duration_text, duration_minutes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (origin, destination, depart_hour) DO UPDATE SET
			raw_duration_text = COALESCE(excluded.raw_duration_text, transit_cache.raw_duration_text),
			duration_minutes  = excluded.duration_minutes,
			updated_at        = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE transit_cache.duration_minutes IS NULL`,
		string(rec.Query.Origin), string(rec.Query.Destination), rec.Query.StoredHour(),
		nullString(rec.RawDurationText), nullInt(rec.DurationMinutes),
	)
	if err != nil {
		return fmt.Errorf("failed to put transit record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RangeByOriginAndMaxDuration(ctx context.Context, origin types.LocationKey, maxMinutes int) ([]types.LocationKey, error) {
	return s.reachable(ctx, origin, sql.NullInt64{}, maxMinutes)
}

func (s *SQLiteStore) ReachableAt(ctx context.Context, origin types.LocationKey, departureHour *int, maxMinutes int) ([]types.LocationKey, error) {
	return s.reachable(ctx, origin, hourParam(departureHour), maxMinutes)
}

// reachable filters on depart_hour unless hour is NULL.
func (s *SQLiteStore) reachable(ctx context.Context, origin types.LocationKey, hour sql.NullInt64, maxMinutes int) ([]types.LocationKey, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT DISTINCT destination
		FROM transit_cache
		WHERE origin = ? AND duration_minutes IS NOT NULL AND duration_minutes <= ?
		  AND (? IS NULL OR depart_hour = ?)
		ORDER BY destination`,
		string(origin), maxMinutes, hour, hour,
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

func (s *SQLiteStore) FarthestDestination(ctx context.Context, origin types.LocationKey, candidates []types.LocationKey) (types.LocationKey, error) {
	return s.farthest(ctx, origin, sql.NullInt64{}, candidates)
}

func (s *SQLiteStore) FarthestAt(ctx context.Context, origin types.LocationKey, departureHour *int, candidates []types.LocationKey) (types.LocationKey, error) {
	return s.farthest(ctx, origin, hourParam(departureHour), candidates)
}

func (s *SQLiteStore) farthest(ctx context.Context, origin types.LocationKey, hour sql.NullInt64, candidates []types.LocationKey) (types.LocationKey, error) {
	if len(candidates) == 0 {
		return origin, nil
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT destination, MIN(duration_minutes)
		FROM transit_cache
		WHERE origin = ? AND duration_minutes IS NOT NULL
		  AND (? IS NULL OR depart_hour = ?)
		GROUP BY destination`,
		string(origin), hour, hour,
	)
	if err != nil {
		return "", fmt.Errorf("failed to query durations: %w", err)
	}
	defer rows.Close()

	durations := make(map[types.LocationKey]int)
	for rows.Next() {
		var (
			dest    string
			minutes int
		)
		if err := rows.Scan(&dest, &minutes); err != nil {
			return "", fmt.Errorf("failed to scan duration: %w", err)
		}
		durations[types.LocationKey(dest)] = minutes
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	return farthest(origin, candidates, durations), nil
}

func hourParam(departureHour *int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(types.StoredHour(departureHour)), Valid: true}
}

func (s *SQLiteStore) Backfill(ctx context.Context, parse ParseFunc) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	type pending struct {
		id      int64
		minutes int
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, raw_duration_text
		FROM transit_cache
		WHERE duration_minutes IS NULL AND raw_duration_text IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to query unparsed rows: %w", err)
	}

	var updates []pending
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
			updates = append(updates, pending{id: id, minutes: minutes})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE transit_cache
		SET duration_minutes = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ? AND duration_minutes IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare backfill: %w", err)
	}
	defer stmt.Close()

	filled := 0
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.minutes, u.id)
		if err != nil {
			return 0, fmt.Errorf("failed to backfill row %d: %w", u.id, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			filled += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit backfill: %w", err)
	}
	return filled, nil
}

func (s *SQLiteStore) LoadCoordinate(ctx context.Context, key types.LocationKey) (geo.Coordinate, bool, error) {
	var c geo.Coordinate
	err := s.conn.QueryRowContext(ctx,
		`SELECT lat, lng FROM geocode_cache WHERE location_key = ?`, string(key),
	).Scan(&c.Lat, &c.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Coordinate{}, false, nil
	}
	if err != nil {
		return geo.Coordinate{}, false, fmt.Errorf("failed to load coordinate: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) SaveCoordinate(ctx context.Context, key types.LocationKey, c geo.Coordinate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO geocode_cache (location_key, lat, lng) VALUES (?, ?, ?)
		ON CONFLICT (location_key) DO UPDATE SET
			lat = excluded.lat,
			lng = excluded.lng,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		string(key), c.Lat, c.Lng,
	)
	if err != nil {
		return fmt.Errorf("failed to save coordinate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

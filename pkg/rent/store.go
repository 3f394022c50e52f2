// Package rent reads per-station rent observations and turns them into
// station keys, price statistics and rankings.
package rent

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"commutecircles/pkg/types"
)

//go:embed schema.sql
var schema string

// ErrStationNotFound is returned when a base station name has no properties.
var ErrStationNotFound = errors.New("station not found")

// Property is one row of the rent dataset.
type Property struct {
	Station       string
	Prefecture    string
	CostPerSquare *float64
}

// Store is the SQLite-backed rent dataset.
type Store struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// Open opens the dataset at path, creating the properties table when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("rent database path is required")
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	conn, err := sql.Open("sqlite", path+sep+"_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(4)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Info("Connected to rent database", "path", path)
	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// StationKey formats a station and prefecture as a location key.
func StationKey(station, prefecture string) types.LocationKey {
	return types.LocationKey(fmt.Sprintf("%s Station, %s", station, prefecture))
}

// RawStationName strips the " Station, <prefecture>" suffix from a key.
func RawStationName(key types.LocationKey) string {
	name, _, _ := strings.Cut(string(key), " Station")
	return strings.TrimSpace(name)
}

// FormatStationName returns the location key of a base station name, using the
// prefecture of its first property row.
func (s *Store) FormatStationName(ctx context.Context, base string) (types.LocationKey, error) {
	var station, prefecture string
	err := s.conn.QueryRowContext(ctx, `
		SELECT station, prefecture FROM properties
		WHERE station = ?
		ORDER BY rowid
		LIMIT 1`, base).Scan(&station, &prefecture)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrStationNotFound, base)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up station %s: %w", base, err)
	}
	return StationKey(station, prefecture), nil
}

// Stations returns the location key of every distinct station, optionally
// limited to the given prefectures, sorted by name.
func (s *Store) Stations(ctx context.Context, prefectures []string) ([]types.LocationKey, error) {
	inner := `SELECT MIN(rowid) FROM properties GROUP BY station`
	args := make([]any, 0, len(prefectures))
	if len(prefectures) > 0 {
		inner = `SELECT MIN(rowid) FROM properties WHERE prefecture IN (` + placeholders(len(prefectures)) + `) GROUP BY station`
		for _, p := range prefectures {
			args = append(args, p)
		}
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT station, prefecture FROM properties
		WHERE rowid IN (`+inner+`)
		ORDER BY station`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stations: %w", err)
	}
	defer rows.Close()

	var keys []types.LocationKey
	for rows.Next() {
		var station, prefecture string
		if err := rows.Scan(&station, &prefecture); err != nil {
			return nil, fmt.Errorf("failed to scan station: %w", err)
		}
		keys = append(keys, StationKey(station, prefecture))
	}
	return keys, rows.Err()
}

// Prefectures returns the distinct prefectures, sorted.
func (s *Store) Prefectures(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT prefecture FROM properties ORDER BY prefecture`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prefectures: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan prefecture: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PricesFor returns the non-null cost-per-square observations of a station key.
func (s *Store) PricesFor(ctx context.Context, key types.LocationKey) ([]float64, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT cost_per_square FROM properties
		WHERE station = ? AND cost_per_square IS NOT NULL`, RawStationName(key))
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// Annotate summarizes the prices of every key and returns them ranked.
func (s *Store) Annotate(ctx context.Context, keys []types.LocationKey) ([]StationRent, error) {
	out := make([]StationRent, 0, len(keys))
	for _, k := range keys {
		prices, err := s.PricesFor(ctx, k)
		if err != nil {
			return nil, err
		}
		entry := StationRent{Station: k}
		if st, ok := Summarize(prices); ok {
			entry.Stats = &st
		}
		out = append(out, entry)
	}
	Rank(out)
	return out, nil
}

// Insert adds properties in one transaction.
func (s *Store) Insert(ctx context.Context, props []Property) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO properties (station, prefecture, cost_per_square) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range props {
		var cost sql.NullFloat64
		if p.CostPerSquare != nil {
			cost = sql.NullFloat64{Float64: *p.CostPerSquare, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.Station, p.Prefecture, cost); err != nil {
			return fmt.Errorf("failed to insert property for %s: %w", p.Station, err)
		}
	}
	return tx.Commit()
}

// ImportCSV loads rows with station, prefecture and cost_per_square columns
// (in any order, header required) and returns the number of rows inserted.
// An empty or unparseable cost is stored as NULL.
func (s *Store) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int)
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, col := range []string{"station", "prefecture", "cost_per_square"} {
		if _, ok := idx[col]; !ok {
			return 0, fmt.Errorf("missing column %q", col)
		}
	}

	var props []Property
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read row: %w", err)
		}
		if len(row) <= idx["station"] || len(row) <= idx["prefecture"] {
			continue
		}
		p := Property{
			Station:    strings.TrimSpace(row[idx["station"]]),
			Prefecture: strings.TrimSpace(row[idx["prefecture"]]),
		}
		if p.Station == "" {
			continue
		}
		if i := idx["cost_per_square"]; i < len(row) {
			if v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64); err == nil {
				p.CostPerSquare = &v
			}
		}
		props = append(props, p)
	}

	if err := s.Insert(ctx, props); err != nil {
		return 0, err
	}
	return len(props), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Package postgres persists weather-file catalog records in a PostGIS table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/climate-archive-crawler/internal/epw"
)

const defaultTable = "epw_files"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RecordStoreConfig controls the Postgres connection pool used for catalog rows.
type RecordStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore upserts epw.Records keyed by their path. The table is expected
// to look like:
//
//	CREATE TABLE epw_files (
//		path       TEXT PRIMARY KEY,
//		name       TEXT NOT NULL,
//		location   GEOMETRY(Point, 4326) NOT NULL,
//		country    TEXT,
//		province   TEXT,
//		city       TEXT,
//		lat        DOUBLE PRECISION,
//		lon        DOUBLE PRECISION,
//		tz         DOUBLE PRECISION,
//		wmo        TEXT,
//		tmy3       BOOLEAN,
//		tmyx       BOOLEAN,
//		year       INTEGER,
//		start_year INTEGER,
//		end_year   INTEGER,
//		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type RecordStore struct {
	pool  execCloser
	table string
	query string
}

// NewRecordStore connects a pool and returns a RecordStore.
func NewRecordStore(ctx context.Context, cfg RecordStoreConfig) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool.
func NewRecordStoreWithPool(pool execCloser, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{pool: pool, table: table, query: upsertQuery(table)}, nil
}

func upsertQuery(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (
	path,
	name,
	location,
	country,
	province,
	city,
	lat,
	lon,
	tz,
	wmo,
	tmy3,
	tmyx,
	year,
	start_year,
	end_year
) VALUES (
	$1,$2,ST_GeomFromText($3, 4326),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
ON CONFLICT (path) DO UPDATE SET
	name = EXCLUDED.name,
	location = EXCLUDED.location,
	country = EXCLUDED.country,
	province = EXCLUDED.province,
	city = EXCLUDED.city,
	lat = EXCLUDED.lat,
	lon = EXCLUDED.lon,
	tz = EXCLUDED.tz,
	wmo = EXCLUDED.wmo,
	tmy3 = EXCLUDED.tmy3,
	tmyx = EXCLUDED.tmyx,
	year = EXCLUDED.year,
	start_year = EXCLUDED.start_year,
	end_year = EXCLUDED.end_year,
	updated_at = now()`, table)
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put upserts one record.
func (s *RecordStore) Put(ctx context.Context, rec epw.Record) error {
	if s == nil || s.pool == nil {
		return errors.New("record store is not configured")
	}
	if rec.Path == "" {
		return errors.New("record path is required")
	}
	args := []any{
		rec.Path,
		rec.Name,
		rec.Location,
		rec.Country,
		rec.Province,
		rec.City,
		rec.Latitude,
		rec.Longitude,
		rec.Timezone,
		rec.WMO,
		rec.TMY3,
		rec.TMYx,
		rec.Year,
		rec.StartYear,
		rec.EndYear,
	}
	if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
		return fmt.Errorf("upsert %s into %s: %w", rec.Path, s.table, err)
	}
	return nil
}

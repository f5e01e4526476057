// Package storage persists oracle price history and engine state snapshots.
// Price history lands in sqlite so operators can audit what every source
// reported; engine snapshots land in bbolt as versioned JSON.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "github.com/glebarez/sqlite"
)

// ErrNoMedian is returned when no accepted median exists for an asset.
var ErrNoMedian = errors.New("storage: no median recorded")

// Sample is one raw source observation.
type Sample struct {
	Asset      string
	Source     string
	Price      *big.Int
	ObservedAt time.Time
}

// Median is one accepted aggregate price.
type Median struct {
	Asset      string
	Price      *big.Int
	ValidCount int
	ObservedAt time.Time
}

// PriceStore records oracle activity in sqlite. It satisfies the aggregator's
// recorder hook; failures there are logged by the caller, never fatal.
type PriceStore struct {
	db *sql.DB
}

const priceSchema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    asset       TEXT    NOT NULL,
    source      TEXT    NOT NULL,
    price       TEXT    NOT NULL,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_asset ON oracle_samples(asset, observed_at DESC);
CREATE TABLE IF NOT EXISTS oracle_medians (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    asset       TEXT    NOT NULL,
    price       TEXT    NOT NULL,
    valid_count INTEGER NOT NULL,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_medians_asset ON oracle_medians(asset, observed_at DESC);
`

// OpenPriceStore opens (creating if needed) the sqlite database at path.
func OpenPriceStore(path string) (*PriceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open price db: %w", err)
	}
	if _, err := db.Exec(priceSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply price schema: %w", err)
	}
	return &PriceStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *PriceStore) Close() error { return s.db.Close() }

// RecordSample stores one raw source observation.
func (s *PriceStore) RecordSample(ctx context.Context, asset, source string, price *big.Int, observedAt time.Time) error {
	if price == nil {
		return errors.New("storage: nil price")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oracle_samples (asset, source, price, observed_at) VALUES (?, ?, ?, ?)`,
		asset, source, price.String(), observedAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: record sample: %w", err)
	}
	return nil
}

// RecordMedian stores one accepted aggregate price.
func (s *PriceStore) RecordMedian(ctx context.Context, asset string, price *big.Int, validCount int, observedAt time.Time) error {
	if price == nil {
		return errors.New("storage: nil price")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oracle_medians (asset, price, valid_count, observed_at) VALUES (?, ?, ?, ?)`,
		asset, price.String(), validCount, observedAt.Unix())
	if err != nil {
		return fmt.Errorf("storage: record median: %w", err)
	}
	return nil
}

// RecentSamples returns up to limit samples for the asset, newest first.
func (s *PriceStore) RecentSamples(ctx context.Context, asset string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, price, observed_at FROM oracle_samples WHERE asset = ? ORDER BY observed_at DESC, id DESC LIMIT ?`,
		asset, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: query samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			source   string
			priceStr string
			unix     int64
		)
		if err := rows.Scan(&source, &priceStr, &unix); err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		price, ok := new(big.Int).SetString(priceStr, 10)
		if !ok {
			return nil, fmt.Errorf("storage: corrupt price %q for %s", priceStr, asset)
		}
		out = append(out, Sample{
			Asset:      asset,
			Source:     source,
			Price:      price,
			ObservedAt: time.Unix(unix, 0).UTC(),
		})
	}
	return out, rows.Err()
}

// LatestMedian returns the most recently accepted median for the asset.
func (s *PriceStore) LatestMedian(ctx context.Context, asset string) (Median, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT price, valid_count, observed_at FROM oracle_medians WHERE asset = ? ORDER BY observed_at DESC, id DESC LIMIT 1`,
		asset)
	var (
		priceStr   string
		validCount int
		unix       int64
	)
	if err := row.Scan(&priceStr, &validCount, &unix); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Median{}, ErrNoMedian
		}
		return Median{}, fmt.Errorf("storage: query median: %w", err)
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return Median{}, fmt.Errorf("storage: corrupt median %q for %s", priceStr, asset)
	}
	return Median{Asset: asset, Price: price, ValidCount: validCount, ObservedAt: time.Unix(unix, 0).UTC()}, nil
}

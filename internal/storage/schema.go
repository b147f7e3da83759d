package storage

import (
	"context"
	"fmt"
)

// schema is applied by Migrate. Integers wider than 64 bits are NUMERIC(78,0).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS observations (
        id                    BIGSERIAL PRIMARY KEY,
        oracle                TEXT        NOT NULL,
        asset                 TEXT        NOT NULL,
        observed_at           TIMESTAMPTZ NOT NULL,
        price                 NUMERIC(78,0) NOT NULL,
        token_liquidity       NUMERIC(78,0) NOT NULL,
        quote_token_liquidity NUMERIC(78,0) NOT NULL,
        created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (oracle, asset, observed_at)
    );`,
	`CREATE INDEX IF NOT EXISTS observations_lookup_idx
        ON observations (oracle, asset, observed_at DESC);`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id            BIGSERIAL PRIMARY KEY,
        oracle        TEXT        NOT NULL,
        asset         TEXT        NOT NULL,
        kind          TEXT        NOT NULL,
        value_pct     NUMERIC     NOT NULL,
        threshold_pct NUMERIC     NOT NULL,
        observed_at   TIMESTAMPTZ NOT NULL,
        channels      TEXT[]      NOT NULL DEFAULT '{}',
        message       TEXT        NOT NULL DEFAULT '',
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (oracle, asset, kind, observed_at)
    );`,
}

// Migrate creates the tables the engine needs when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertObservationSQL = `INSERT INTO observations (
        oracle,
        asset,
        observed_at,
        price,
        token_liquidity,
        quote_token_liquidity
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (oracle, asset, observed_at) DO NOTHING;`

	listObservationsBetweenSQL = `SELECT
        id,
        oracle,
        asset,
        observed_at,
        price::text,
        token_liquidity::text,
        quote_token_liquidity::text,
        created_at
    FROM observations
    WHERE oracle = $1
      AND asset = $2
      AND observed_at >= $3
      AND observed_at < $4
    ORDER BY observed_at;`

	listRecentObservationsSQL = `SELECT
        id,
        oracle,
        asset,
        observed_at,
        price::text,
        token_liquidity::text,
        quote_token_liquidity::text,
        created_at
    FROM observations
    WHERE oracle = $1
      AND asset = $2
    ORDER BY observed_at DESC
    LIMIT $3;`

	countObservationsSQL = `SELECT COUNT(*) FROM observations WHERE oracle = $1 AND asset = $2;`

	insertAlertSQL = `INSERT INTO alerts (
        oracle,
        asset,
        kind,
        value_pct,
        threshold_pct,
        observed_at,
        channels,
        message
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (oracle, asset, kind, observed_at) DO UPDATE
    SET value_pct     = EXCLUDED.value_pct,
        threshold_pct = EXCLUDED.threshold_pct,
        channels      = EXCLUDED.channels,
        message       = EXCLUDED.message
    RETURNING id, oracle, asset, kind, value_pct::text, threshold_pct::text, observed_at, channels, message, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        oracle,
        asset,
        kind,
        value_pct::text,
        threshold_pct::text,
        observed_at,
        channels,
        message,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines operations for observation persistence.
type ObservationStore interface {
	InsertObservation(ctx context.Context, oracle string, asset common.Address, obs observation.Observation) (bool, error)
	ListObservationsBetween(ctx context.Context, oracle string, asset common.Address, from, to time.Time) ([]ObservationRecord, error)
	ListRecentObservations(ctx context.Context, oracle string, asset common.Address, limit int) ([]ObservationRecord, error)
	CountObservations(ctx context.Context, oracle string, asset common.Address) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to observations and alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接释放后会话锁随之失效
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertObservation persists an observation. It reports false when the same
// oracle, asset and timestamp was already stored.
func (s *Store) InsertObservation(ctx context.Context, oracle string, asset common.Address, obs observation.Observation) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertObservationSQL,
		oracle,
		assetKey(asset),
		obs.Time(),
		obs.Price.Dec(),
		obs.TokenLiquidity.Dec(),
		obs.QuoteTokenLiquidity.Dec(),
	)
	if execErr != nil {
		return false, fmt.Errorf("insert observation: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListObservationsBetween lists observations within [from, to) in ascending time order.
func (s *Store) ListObservationsBetween(ctx context.Context, oracle string, asset common.Address, from, to time.Time) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, oracle, assetKey(asset), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0)
	for rows.Next() {
		rec, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentObservations lists the most recent observations, newest first.
func (s *Store) ListRecentObservations(ctx context.Context, oracle string, asset common.Address, limit int) ([]ObservationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentObservationsSQL, oracle, assetKey(asset), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ObservationRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountObservations counts stored observations for one oracle and asset.
func (s *Store) CountObservations(ctx context.Context, oracle string, asset common.Address) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL, oracle, assetKey(asset)).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Oracle,
		assetKey(alert.Asset),
		alert.Kind,
		alert.ValuePct.String(),
		alert.ThresholdPct.String(),
		alert.ObservedAt,
		channels,
		alert.Message,
	)
	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func assetKey(asset common.Address) string {
	return strings.ToLower(asset.Hex())
}

func scanObservation(row pgx.Row) (ObservationRecord, error) {
	var (
		rec         ObservationRecord
		asset       string
		observedAt  time.Time
		priceStr    string
		tokenLiqStr string
		quoteLiqStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Oracle,
		&asset,
		&observedAt,
		&priceStr,
		&tokenLiqStr,
		&quoteLiqStr,
		&rec.CreatedAt,
	); err != nil {
		return ObservationRecord{}, err
	}

	obs, err := decodeObservation(observedAt, priceStr, tokenLiqStr, quoteLiqStr)
	if err != nil {
		return ObservationRecord{}, err
	}
	rec.Asset = common.HexToAddress(asset)
	rec.Observation = obs
	return rec, nil
}

func decodeObservation(observedAt time.Time, priceStr, tokenLiqStr, quoteLiqStr string) (observation.Observation, error) {
	price, err := numeric.ParseDecimalString(priceStr)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("parse price: %w", err)
	}
	tokenLiq, err := numeric.ParseDecimalString(tokenLiqStr)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("parse token liquidity: %w", err)
	}
	quoteLiq, err := numeric.ParseDecimalString(quoteLiqStr)
	if err != nil {
		return observation.Observation{}, fmt.Errorf("parse quote token liquidity: %w", err)
	}
	ts, err := observation.ToTimestamp(observedAt)
	if err != nil {
		return observation.Observation{}, err
	}
	return observation.New(&price, &tokenLiq, &quoteLiq, ts)
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec          AlertRecord
		asset        string
		valueStr     string
		thresholdStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Oracle,
		&asset,
		&rec.Kind,
		&valueStr,
		&thresholdStr,
		&rec.ObservedAt,
		&rec.Channels,
		&rec.Message,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	var convErr error
	rec.ValuePct, convErr = decimal.NewFromString(valueStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse value pct: %w", convErr)
	}
	rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
	if convErr != nil {
		return AlertRecord{}, fmt.Errorf("parse threshold pct: %w", convErr)
	}
	rec.Asset = common.HexToAddress(asset)
	return rec, nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

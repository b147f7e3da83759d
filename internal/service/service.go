// Package service runs the engine update cycle over every tracked asset.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/alerting"
	"oracle-engine/internal/filter"
	"oracle-engine/internal/history"
	"oracle-engine/internal/metrics"
	"oracle-engine/internal/numeric"
	"oracle-engine/internal/observation"
	"oracle-engine/internal/scheduler"
	"oracle-engine/internal/storage"
	"oracle-engine/internal/updatedata"
)

// Outcome summarises one asset's pass through the update cycle.
type Outcome string

const (
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeChanged      Outcome = "changed"
	OutcomeInsufficient Outcome = "insufficient"
)

// Oracle is the aggregated oracle driven by the service.
type Oracle interface {
	Name() string
	QuoteDecimals() uint8
	Update(ctx context.Context, data []byte) (bool, error)
	Latest(asset common.Address) (observation.Observation, bool)
	Restore(asset common.Address, obs observation.Observation) bool
}

// Accumulator is a time-weighted accumulator refreshed before aggregation.
type Accumulator interface {
	Name() string
	CanUpdate(ctx context.Context, data []byte) bool
	Update(ctx context.Context, data []byte) (bool, error)
}

// Filter is a filtering oracle recomputed after the history changes.
type Filter interface {
	Name() string
	QuoteDecimals() uint8
	Update(ctx context.Context, data []byte) (bool, error)
	Latest(asset common.Address) (observation.Observation, bool)
}

// Publisher publishes recorded observations to downstream readers.
type Publisher interface {
	Publish(ctx context.Context, oracle string, asset common.Address, obs observation.Observation) error
}

// Deduper suppresses repeated alerts within a cooldown.
type Deduper interface {
	AlreadySent(ctx context.Context, key string) bool
	Record(ctx context.Context, key string, cooldown time.Duration) error
}

// Asset is one tracked asset.
type Asset struct {
	Address common.Address
	Label   string
}

// AlertOptions configures alert evaluation.
type AlertOptions struct {
	Enabled                bool
	VolatilityFilter       string
	VolatilityThresholdPct decimal.Decimal
	InsufficientAfter      int
	Cooldown               time.Duration
	Channels               []string
}

// Deps wires the service collaborators. Only Oracle and History are required.
type Deps struct {
	Scheduler    *scheduler.Scheduler
	Oracle       Oracle
	Accumulators []Accumulator
	Filters      []Filter
	History      *history.Store
	Store        storage.ObservationStore
	AlertStore   storage.AlertStore
	Locker       storage.AdvisoryLocker
	Publisher    Publisher
	Deduper      Deduper
	Notifier     alerting.Notifier
}

// Options tune the service.
type Options struct {
	Assets      []Asset
	LockKey     int64
	Concurrency int
	Alerts      AlertOptions
}

// Service orchestrates accumulation, aggregation, persistence, filtering and alerting.
type Service struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	failures   map[common.Address]int
	assetLocks map[common.Address]*sync.Mutex
}

// New constructs the engine service.
func New(deps Deps, opts Options, logger zerolog.Logger) (*Service, error) {
	if deps.Oracle == nil {
		return nil, errors.New("service: oracle is required")
	}
	if deps.History == nil {
		return nil, errors.New("service: history store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Alerts.Enabled && opts.Alerts.VolatilityFilter != "" && findFilter(deps.Filters, opts.Alerts.VolatilityFilter) == nil {
		return nil, fmt.Errorf("service: unknown volatility filter %q", opts.Alerts.VolatilityFilter)
	}
	return &Service{
		deps:       deps,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
		failures:   make(map[common.Address]int),
		assetLocks: make(map[common.Address]*sync.Mutex),
	}, nil
}

// Run begins the scheduled update loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.Tick)
}

// Tick 执行一次完整的更新周期。
func (s *Service) Tick(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, asset := range s.opts.Assets {
		g.Go(func() error {
			if _, err := s.ProcessAsset(gctx, asset); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", asset.Label, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// ProcessAsset runs one asset through the update cycle. Insufficient source data is
// reported as OutcomeInsufficient with a nil error.
func (s *Service) ProcessAsset(ctx context.Context, asset Asset) (Outcome, error) {
	lock := s.assetLock(asset.Address)
	lock.Lock()
	defer lock.Unlock()

	data := updatedata.Encode(asset.Address)
	log := s.logger.With().Str("asset", asset.Label).Logger()

	for _, acc := range s.deps.Accumulators {
		if !acc.CanUpdate(ctx, data) {
			continue
		}
		if _, err := acc.Update(ctx, data); err != nil {
			log.Warn().Err(err).Str("accumulator", acc.Name()).Msg("accumulator update failed")
		}
	}

	changed, err := s.deps.Oracle.Update(ctx, data)
	if err != nil {
		failures := s.recordFailure(asset.Address)
		if errors.Is(err, aggregator.ErrInsufficientValidConsultations) {
			log.Warn().Err(err).Int("consecutive_failures", failures).Msg("insufficient valid consultations")
			s.alertInsufficient(ctx, asset, failures)
			return OutcomeInsufficient, nil
		}
		s.alertInsufficient(ctx, asset, failures)
		return OutcomeUnchanged, fmt.Errorf("update oracle: %w", err)
	}
	s.resetFailures(asset.Address)
	if !changed {
		log.Debug().Msg("update not due")
		return OutcomeUnchanged, nil
	}

	obs, ok := s.deps.Oracle.Latest(asset.Address)
	if !ok {
		return OutcomeUnchanged, fmt.Errorf("oracle reported a change without an observation")
	}
	if err := s.deps.History.Push(asset.Address, obs); err != nil {
		return OutcomeChanged, fmt.Errorf("push history: %w", err)
	}
	s.persist(ctx, asset, obs)
	s.updateFilters(ctx, asset, data, obs)
	return OutcomeChanged, nil
}

// Warm loads up to limit recent observations per asset from the store into the history
// and restores the oracle's latest observation from the newest one.
func (s *Service) Warm(ctx context.Context, limit int) (int, error) {
	if s.deps.Store == nil || limit <= 0 {
		return 0, nil
	}
	total := 0
	for _, asset := range s.opts.Assets {
		records, err := s.deps.Store.ListRecentObservations(ctx, s.deps.Oracle.Name(), asset.Address, limit)
		if err != nil {
			return total, fmt.Errorf("%s: list recent observations: %w", asset.Label, err)
		}
		if len(records) == 0 {
			continue
		}
		// records are newest first
		for i := len(records) - 1; i >= 0; i-- {
			if err := s.deps.History.Push(asset.Address, records[i].Observation); err != nil {
				return total, fmt.Errorf("%s: push history: %w", asset.Label, err)
			}
			total++
		}
		s.deps.Oracle.Restore(asset.Address, records[0].Observation)
		data := updatedata.Encode(asset.Address)
		for _, f := range s.deps.Filters {
			if _, err := f.Update(ctx, data); err != nil && !filter.IsInsufficientData(err) {
				s.logger.Warn().Err(err).Str("asset", asset.Label).Str("filter", f.Name()).Msg("filter warm-up failed")
			}
		}
	}
	s.logger.Info().Int("observations", total).Int("assets", len(s.opts.Assets)).Msg("history warmed")
	return total, nil
}

func (s *Service) persist(ctx context.Context, asset Asset, obs observation.Observation) {
	oracle := s.deps.Oracle.Name()
	if s.deps.Store != nil {
		if _, err := s.deps.Store.InsertObservation(ctx, oracle, asset.Address, obs); err != nil {
			s.logger.Error().Err(err).Str("asset", asset.Label).Msg("failed to persist observation")
		}
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.Publish(ctx, oracle, asset.Address, obs); err != nil {
			s.logger.Error().Err(err).Str("asset", asset.Label).Msg("failed to publish observation")
		}
	}
}

func (s *Service) updateFilters(ctx context.Context, asset Asset, data []byte, latest observation.Observation) {
	for _, f := range s.deps.Filters {
		changed, err := f.Update(ctx, data)
		if err != nil {
			if filter.IsInsufficientData(err) {
				s.logger.Debug().Str("asset", asset.Label).Str("filter", f.Name()).Msg("filter window not yet filled")
				continue
			}
			s.logger.Warn().Err(err).Str("asset", asset.Label).Str("filter", f.Name()).Msg("filter update failed")
			continue
		}
		if changed && s.opts.Alerts.Enabled && f.Name() == s.opts.Alerts.VolatilityFilter {
			s.evaluateVolatility(ctx, asset, f, latest)
		}
	}
}

func (s *Service) evaluateVolatility(ctx context.Context, asset Asset, f Filter, latest observation.Observation) {
	threshold := s.opts.Alerts.VolatilityThresholdPct
	if !threshold.IsPositive() {
		return
	}
	obs, ok := f.Latest(asset.Address)
	if !ok {
		return
	}
	value := numeric.ToDecimal(&obs.Price, f.QuoteDecimals())
	if !value.GreaterThan(threshold) {
		return
	}
	s.dispatch(ctx, asset, alerting.Notification{
		Kind:         alerting.KindVolatility,
		Oracle:       s.deps.Oracle.Name(),
		Asset:        asset.Label,
		ObservedAt:   obs.Time(),
		Price:        numeric.ToDecimal(&latest.Price, s.deps.Oracle.QuoteDecimals()),
		ValuePct:     value,
		ThresholdPct: threshold,
		Channels:     s.opts.Alerts.Channels,
	})
}

func (s *Service) alertInsufficient(ctx context.Context, asset Asset, failures int) {
	after := s.opts.Alerts.InsufficientAfter
	if !s.opts.Alerts.Enabled || after <= 0 || failures != after {
		return
	}
	s.dispatch(ctx, asset, alerting.Notification{
		Kind:       alerting.KindInsufficient,
		Oracle:     s.deps.Oracle.Name(),
		Asset:      asset.Label,
		ObservedAt: time.Now().UTC(),
		ValuePct:   decimal.NewFromInt(int64(failures)),
		Failures:   failures,
		Channels:   s.opts.Alerts.Channels,
	})
}

func (s *Service) dispatch(ctx context.Context, asset Asset, note alerting.Notification) {
	key := fmt.Sprintf("%s:%s:%s", note.Kind, note.Oracle, asset.Address.Hex())
	if s.deps.Deduper != nil && s.deps.Deduper.AlreadySent(ctx, key) {
		s.logger.Debug().Str("asset", asset.Label).Str("kind", note.Kind).Msg("alert suppressed by cooldown")
		return
	}

	if s.deps.AlertStore != nil {
		record := storage.AlertRecord{
			Oracle:       note.Oracle,
			Asset:        asset.Address,
			Kind:         note.Kind,
			ValuePct:     note.ValuePct,
			ThresholdPct: note.ThresholdPct,
			ObservedAt:   note.ObservedAt,
			Channels:     note.Channels,
			Message:      alerting.RenderMessage(note),
		}
		if _, err := s.deps.AlertStore.InsertAlert(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("asset", asset.Label).Msg("failed to persist alert record")
		}
	}

	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		metrics.AlertsFailedTotal.WithLabelValues(note.Kind).Inc()
		s.logger.Error().Err(err).Str("asset", asset.Label).Msg("failed to dispatch alert")
		return
	}
	metrics.AlertsSentTotal.WithLabelValues(note.Kind).Inc()
	if s.deps.Deduper != nil {
		if err := s.deps.Deduper.Record(ctx, key, s.opts.Alerts.Cooldown); err != nil {
			s.logger.Warn().Err(err).Str("asset", asset.Label).Msg("failed to record alert cooldown")
		}
	}
}

func (s *Service) recordFailure(asset common.Address) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[asset]++
	return s.failures[asset]
}

func (s *Service) resetFailures(asset common.Address) {
	s.mu.Lock()
	delete(s.failures, asset)
	s.mu.Unlock()
}

func (s *Service) assetLock(asset common.Address) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.assetLocks[asset]
	if !ok {
		lock = &sync.Mutex{}
		s.assetLocks[asset] = lock
	}
	return lock
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func findFilter(filters []Filter, name string) Filter {
	for _, f := range filters {
		if f.Name() == name {
			return f
		}
	}
	return nil
}

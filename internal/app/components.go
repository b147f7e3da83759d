package app

import (
	"fmt"
	"maps"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"oracle-engine/internal/accumulator"
	"oracle-engine/internal/aggregator"
	"oracle-engine/internal/config"
	"oracle-engine/internal/filter"
	"oracle-engine/internal/history"
	"oracle-engine/internal/service"
	"oracle-engine/internal/source"
	"oracle-engine/internal/source/cow"
	"oracle-engine/internal/source/evm"
	"oracle-engine/internal/source/lending"
)

// components is the in-process oracle graph built from configuration.
type components struct {
	pool         *evm.Pool
	sources      map[string]source.Adapter
	oracle       *aggregator.Aggregator
	accumulators []*accumulator.Accumulator
	history      *history.Store
	filters      []*filter.Oracle
	assets       []service.Asset
}

// Close releases RPC connections.
func (c *components) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func (a *App) newRegistry(comp *components) *source.Registry {
	reg := source.NewRegistry()
	source.RegisterMemory(reg, a.Clock)
	evm.Register(reg, comp.pool.Get, a.Clock, a.Logger)
	lending.Register(reg, comp.pool.Get, a.Clock, a.Logger)
	cow.Register(reg, a.Clock, a.Logger)
	accumulator.RegisterAverage(reg, comp.accumulator, a.Clock, a.Logger)
	return reg
}

// accumulator finds a built accumulator by name.
func (c *components) accumulator(name string) (*accumulator.Accumulator, bool) {
	for _, acc := range c.accumulators {
		if acc.Name() == name {
			return acc, true
		}
	}
	return nil, false
}

func (a *App) buildComponents() (*components, error) {
	cfg := a.Config
	comp := &components{
		pool:    evm.NewPool(),
		sources: make(map[string]source.Adapter, len(cfg.Sources)),
	}
	reg := a.newRegistry(comp)

	// Average sources read accumulators, which read plain sources; accumulators over the
	// aggregator come last.
	createSources := func(average bool) error {
		for _, sc := range cfg.Sources {
			if (sc.Kind == accumulator.KindAverage) != average {
				continue
			}
			adapter, err := reg.Create(sc.Kind, sc.Name, a.sourceOptions(sc))
			if err != nil {
				return err
			}
			comp.sources[sc.Name] = adapter
		}
		return nil
	}
	buildAccumulators := func(overOracle bool) error {
		for _, ac := range cfg.Accumulators {
			if (ac.Source == cfg.Oracle.Name) != overOracle {
				continue
			}
			acc, err := a.buildAccumulator(ac, comp)
			if err != nil {
				return err
			}
			comp.accumulators = append(comp.accumulators, acc)
		}
		return nil
	}

	if err := createSources(false); err != nil {
		comp.Close()
		return nil, err
	}
	if err := buildAccumulators(false); err != nil {
		comp.Close()
		return nil, err
	}
	if err := createSources(true); err != nil {
		comp.Close()
		return nil, err
	}

	oracle, err := a.buildAggregator(comp.sources)
	if err != nil {
		comp.Close()
		return nil, err
	}
	comp.oracle = oracle
	if err := buildAccumulators(true); err != nil {
		comp.Close()
		return nil, err
	}

	comp.history = history.NewStore(cfg.Oracle.HistoryCapacity)
	for _, ac := range cfg.Oracle.Assets {
		capacity := ac.HistoryCapacity
		if capacity <= 0 {
			capacity = cfg.Oracle.HistoryCapacity
		}
		if err := comp.history.Register(ac.Address, capacity); err != nil {
			comp.Close()
			return nil, fmt.Errorf("history %s: %w", ac.Label(), err)
		}
		comp.assets = append(comp.assets, service.Asset{Address: ac.Address, Label: ac.Label()})
	}

	for _, fc := range cfg.Filters {
		f, err := a.buildFilter(fc, comp.history)
		if err != nil {
			comp.Close()
			return nil, err
		}
		comp.filters = append(comp.filters, f)
	}
	return comp, nil
}

// sourceOptions copies the configured options, filling EVM connection defaults from the
// ethereum section.
func (a *App) sourceOptions(sc config.SourceConfig) map[string]any {
	opts := make(map[string]any, len(sc.Options)+2)
	maps.Copy(opts, sc.Options)
	if strings.HasPrefix(sc.Kind, "evm.") || sc.Kind == lending.Kind {
		if _, ok := opts["rpc_url"]; !ok && a.Config.Ethereum.RPCURL != "" {
			opts["rpc_url"] = a.Config.Ethereum.RPCURL
		}
		if _, ok := opts["timeout"]; !ok && a.Config.Ethereum.RequestTimeout > 0 {
			opts["timeout"] = a.Config.Ethereum.RequestTimeout.String()
		}
	}
	return opts
}

func (a *App) buildAggregator(sources map[string]source.Adapter) (*aggregator.Aggregator, error) {
	oc := a.Config.Oracle
	general, err := lookupSources(sources, oc.GeneralSources)
	if err != nil {
		return nil, fmt.Errorf("oracle.general_sources: %w", err)
	}
	perAsset := make(map[common.Address][]source.Adapter)
	for _, ac := range oc.Assets {
		if len(ac.Sources) == 0 {
			continue
		}
		extra, err := lookupSources(sources, ac.Sources)
		if err != nil {
			return nil, fmt.Errorf("oracle.assets[%s]: %w", ac.Label(), err)
		}
		perAsset[ac.Address] = extra
	}
	strategy, err := aggregator.ParseStrategy(oc.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := oc.Gate.Build()
	if err != nil {
		return nil, fmt.Errorf("oracle.gate: %w", err)
	}
	return aggregator.New(aggregator.Config{
		Name:             oc.Name,
		QuoteToken:       oc.QuoteToken,
		QuoteDecimals:    oc.QuoteDecimals,
		General:          general,
		PerAsset:         perAsset,
		TimestampPolicy:  aggregator.TimestampPolicy(oc.TimestampPolicy),
		Strategy:         strategy,
		Gate:             policy,
		MinimumResponses: oc.MinimumResponses,
		SourceMaxAge:     oc.SourceMaxAgeSeconds(),
		Concurrency:      oc.Concurrency,
	}, a.Clock, a.Logger)
}

func (a *App) buildAccumulator(ac config.AccumulatorConfig, comp *components) (*accumulator.Accumulator, error) {
	var tracked source.Adapter = comp.oracle
	if ac.Source != a.Config.Oracle.Name {
		s, ok := comp.sources[ac.Source]
		if !ok {
			return nil, fmt.Errorf("accumulators[%s]: unknown source %q", ac.Name, ac.Source)
		}
		tracked = s
	}
	policy, err := ac.Gate.Build()
	if err != nil {
		return nil, fmt.Errorf("accumulators[%s].gate: %w", ac.Name, err)
	}
	return accumulator.New(accumulator.Config{
		Name:               ac.Name,
		QuoteDecimals:      tracked.QuoteDecimals(),
		Gate:               policy,
		Tracked:            accumulator.Tracked(ac.Tracked),
		TimestampTolerance: ac.ToleranceSeconds(),
		MaxDeviationPct:    ac.MaxDeviationPct,
	}, accumulator.FromAdapter(tracked), a.Clock, a.Logger)
}

func (a *App) buildFilter(fc config.FilterConfig, store *history.Store) (*filter.Oracle, error) {
	f, err := filter.Parse(fc.Kind, fc.Statistic, fc.MeanType, fc.Decimals)
	if err != nil {
		return nil, fmt.Errorf("filters[%s]: %w", fc.Name, err)
	}
	// volatility values are percentages scaled by their own decimals
	decimals := a.Config.Oracle.QuoteDecimals
	if f.Kind() == filter.KindVolatility {
		decimals = fc.Decimals
	}
	return filter.New(filter.Config{
		Name:          fc.Name,
		QuoteDecimals: decimals,
		Window:        fc.Window(),
		Filter:        f,
	}, store, a.Clock, a.Logger)
}

func lookupSources(sources map[string]source.Adapter, names []string) ([]source.Adapter, error) {
	out := make([]source.Adapter, 0, len(names))
	for _, name := range names {
		s, ok := sources[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *components) serviceDeps() service.Deps {
	deps := service.Deps{Oracle: c.oracle, History: c.history}
	for _, acc := range c.accumulators {
		deps.Accumulators = append(deps.Accumulators, acc)
	}
	for _, f := range c.filters {
		deps.Filters = append(deps.Filters, f)
	}
	return deps
}

func (c *components) filterAdapters() map[string]source.Adapter {
	out := make(map[string]source.Adapter, len(c.filters))
	for _, f := range c.filters {
		out[f.Name()] = f
	}
	return out
}

func (c *components) accumulatorMap() map[string]*accumulator.Accumulator {
	out := make(map[string]*accumulator.Accumulator, len(c.accumulators))
	for _, acc := range c.accumulators {
		out[acc.Name()] = acc
	}
	return out
}

// resolveAsset maps a symbol or hex address to a configured asset; empty selects all.
func (c *components) resolveAsset(raw string) ([]service.Asset, error) {
	if raw == "" {
		return c.assets, nil
	}
	for _, asset := range c.assets {
		if strings.EqualFold(asset.Label, raw) || strings.EqualFold(asset.Address.Hex(), raw) {
			return []service.Asset{asset}, nil
		}
	}
	if common.IsHexAddress(raw) {
		addr := common.HexToAddress(raw)
		return []service.Asset{{Address: addr, Label: addr.Hex()}}, nil
	}
	return nil, fmt.Errorf("unknown asset %q", raw)
}

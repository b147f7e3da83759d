package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/service"
)

// Replay warms the in-memory history from PostgreSQL, recomputes every filter and prints
// the resulting values.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.Oracle.HistoryCapacity
	}

	comp, err := a.buildComponents()
	if err != nil {
		return err
	}
	defer comp.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回放")
	}
	defer closeStore()

	deps := comp.serviceDeps()
	deps.Store = store
	svc, err := service.New(deps, service.Options{Assets: comp.assets}, a.Logger)
	if err != nil {
		return err
	}

	loaded, err := svc.Warm(ctx, limit)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("observations", loaded).Msg("replay complete")
	a.renderReplay(comp)
	return nil
}

func (a *App) renderReplay(comp *components) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tHistory\tLatest Price\tFilter\tValue")
	for _, asset := range comp.assets {
		latest := "-"
		if obs, ok := comp.oracle.Latest(asset.Address); ok {
			latest = formatDecimal(numeric.ToDecimal(&obs.Price, comp.oracle.QuoteDecimals()), 6)
		}
		count := fmt.Sprintf("%d/%d", comp.history.Count(asset.Address), comp.history.Capacity(asset.Address))
		if len(comp.filters) == 0 {
			fmt.Fprintf(writer, "%s\t%s\t%s\t-\t-\n", asset.Label, count, latest)
			continue
		}
		for _, f := range comp.filters {
			value := "insufficient data"
			if obs, ok := f.Latest(asset.Address); ok {
				value = formatDecimal(numeric.ToDecimal(&obs.Price, f.QuoteDecimals()), 6)
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", asset.Label, count, latest, f.Name(), value)
		}
	}
	writer.Flush()
}

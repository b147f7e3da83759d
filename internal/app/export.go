package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/storage"
)

// Export renders the stored observations of one asset as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Asset == "" {
		return errors.New("--asset is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	comp, err := a.buildComponents()
	if err != nil {
		return err
	}
	defer comp.Close()
	assets, err := comp.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}
	asset := assets[0]

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	to := a.Clock.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListObservationsBetween(ctx, a.Config.Oracle.Name, asset.Address, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Str("asset", asset.Label).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(records, opts.MaxPoints)
	a.Logger.Info().Str("asset", asset.Label).Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled, a.Config.Oracle.QuoteDecimals); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, asset.Label, downsampled, a.Config.Oracle.QuoteDecimals); err != nil {
			return err
		}
	}

	return nil
}

func downsample(records []storage.ObservationRecord, limit int) []storage.ObservationRecord {
	if limit <= 0 || len(records) <= limit {
		return records
	}
	if limit == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.ObservationRecord, 0, limit)
	step := float64(len(records)-1) / float64(limit-1)
	for i := 0; i < limit; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeObservationsCSV(path string, records []storage.ObservationRecord, quoteDecimals uint8) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "price", "price_raw", "token_liquidity", "quote_token_liquidity"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		obs := rec.Observation
		record := []string{
			rec.ObservedAt().Format(time.RFC3339),
			numeric.ToDecimal(&obs.Price, quoteDecimals).String(),
			obs.Price.Dec(),
			obs.TokenLiquidity.Dec(),
			obs.QuoteTokenLiquidity.Dec(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeObservationsPNG(path, label string, records []storage.ObservationRecord, quoteDecimals uint8) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	price := make([]float64, len(records))
	liquidity := make([]float64, len(records))

	for i, rec := range records {
		obs := rec.Observation
		x[i] = rec.ObservedAt()
		price[i] = numeric.ToDecimal(&obs.Price, quoteDecimals).InexactFloat64()
		liquidity[i] = numeric.ToDecimal(&obs.QuoteTokenLiquidity, quoteDecimals).InexactFloat64()
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Title:  label,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Quote liquidity",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Quote liquidity",
				XValues: x,
				YValues: liquidity,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"oracle-engine/internal/numeric"
	"oracle-engine/internal/storage"
)

// Show prints recent observations per asset, or recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	comp, err := a.buildComponents()
	if err != nil {
		return err
	}
	defer comp.Close()
	assets, err := comp.resolveAsset(opts.Asset)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show observations")
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		renderAlerts(a.Out, alerts)
		return nil
	}

	for _, asset := range assets {
		records, err := store.ListRecentObservations(ctx, a.Config.Oracle.Name, asset.Address, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "== %s (%s)\n", asset.Label, asset.Address.Hex())
		renderObservations(a.Out, records, a.Config.Oracle.QuoteDecimals)
	}
	return nil
}

func renderObservations(out io.Writer, records []storage.ObservationRecord, quoteDecimals uint8) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no observations found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPrice\tToken Liquidity\tQuote Liquidity")
	for _, rec := range records {
		obs := rec.Observation
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			rec.ObservedAt().Format(time.RFC3339),
			formatDecimal(numeric.ToDecimal(&obs.Price, quoteDecimals), 6),
			obs.TokenLiquidity.Dec(),
			obs.QuoteTokenLiquidity.Dec(),
		)
	}
	writer.Flush()
}

func renderAlerts(out io.Writer, alerts []storage.AlertRecord) {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tAsset\tValue%\tThreshold%\tChannels\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ObservedAt.UTC().Format(time.RFC3339),
			alert.Kind,
			alert.Asset.Hex(),
			formatDecimal(alert.ValuePct, 3),
			formatDecimal(alert.ThresholdPct, 3),
			strings.Join(alert.Channels, ","),
			sanitizeInline(alert.Message),
		)
	}
	writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

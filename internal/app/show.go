package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"spot-alerts/internal/alerting"
)

// Show prints the most recent Spot Log entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show the spot log")
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.ListRecentNotifications(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tAlert\tOwner\tCallsign\tMode\tFrequency\tSpot time (UTC)\tSource")

	for _, e := range entries {
		freq := "-"
		if e.Frequency.IsPositive() {
			freq = alerting.FormatFrequency(e.Frequency)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.SentAt.UTC().Format(time.RFC3339),
			e.AlertID,
			sanitizeInline(e.OwnerID),
			e.Callsign,
			e.Mode,
			freq,
			e.SpotTime.UTC().Format(time.RFC3339),
			e.Source,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/storage"
)

// Export renders hourly notification counts from the Spot Log as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	return a.exportFrom(ctx, store, opts)
}

func (a *App) exportFrom(ctx context.Context, log storage.SpotLog, opts ExportOptions) error {
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	counts, err := log.HourlyNotificationCounts(ctx, from, to)
	if err != nil {
		return err
	}
	if len(counts) == 0 {
		a.Logger.Info().Msg("no notifications found for export window")
		return nil
	}

	filled := fillHours(counts, from, to)
	downsampled := downsampleCounts(filled, opts.MaxPoints)
	a.Logger.Info().Int("hours", len(filled)).Int("exported", len(downsampled)).Msg("exporting hourly notification counts")

	if opts.CSVPath != "" {
		if err := writeCountsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeCountsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// fillHours returns one entry per hour in [from, to), zero where nothing was sent.
func fillHours(counts []domain.HourlyCount, from, to time.Time) []domain.HourlyCount {
	byHour := make(map[time.Time]int64, len(counts))
	for _, c := range counts {
		byHour[c.Hour.UTC().Truncate(time.Hour)] += c.Count
	}
	var out []domain.HourlyCount
	for h := from.UTC().Truncate(time.Hour); h.Before(to); h = h.Add(time.Hour) {
		out = append(out, domain.HourlyCount{Hour: h, Count: byHour[h]})
	}
	return out
}

func downsampleCounts(counts []domain.HourlyCount, max int) []domain.HourlyCount {
	if max <= 0 || len(counts) <= max {
		return counts
	}
	if max == 1 {
		return counts[:1]
	}

	result := make([]domain.HourlyCount, 0, max)
	step := float64(len(counts)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(counts) {
			idx = len(counts) - 1
		}
		result = append(result, counts[idx])
	}
	return result
}

func writeCountsCSV(path string, counts []domain.HourlyCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"hour_utc", "notifications"}); err != nil {
		return err
	}
	for _, c := range counts {
		if err := writer.Write([]string{c.Hour.UTC().Format(time.RFC3339), strconv.FormatInt(c.Count, 10)}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCountsPNG(path string, counts []domain.HourlyCount) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(counts))
	y := make([]float64, len(counts))
	for i, c := range counts {
		x[i] = c.Hour
		y[i] = float64(c.Count)
	}
	// go-chart needs at least two points to compute ranges
	if len(counts) == 1 {
		x = append(x, x[0].Add(time.Hour))
		y = append(y, 0)
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeHourValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Notifications / hour",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Notifications",
				XValues: x,
				YValues: y,
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

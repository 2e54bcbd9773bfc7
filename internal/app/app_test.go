package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alerts/internal/config"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/ratelimit"
	"spot-alerts/internal/service"
	"spot-alerts/internal/storage"
)

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	return a, out
}

func seedSpotLog(t *testing.T, base time.Time) *storage.Memory {
	t.Helper()
	mem := storage.NewMemory()
	now := base
	lim := ratelimit.New(ratelimit.Policy{HourlyCap: 100, QuotaWindow: time.Hour}, mem, func() time.Time { return now })

	alert, err := mem.CreateAlert(context.Background(), domain.Alert{
		OwnerID: "o", Pattern: "N4", IsPrefix: true, Source: domain.SourcePSKReporter,
		CreatedAt: base, ExpiresAt: base.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	// two notifications in the first hour, one two hours later
	for i, offset := range []time.Duration{0, 10 * time.Minute, 2*time.Hour + 5*time.Minute} {
		now = base.Add(offset)
		spot := domain.Spot{Callsign: "N4A" + string(rune('A'+i)), Mode: "FT8", Source: domain.SourcePSKReporter, Timestamp: now}.Normalize()
		d, _, err := lim.Reserve(context.Background(), alert, spot)
		require.NoError(t, err)
		require.Equal(t, ratelimit.Allowed, d)
	}
	return mem
}

func TestExportCSVAndPNG(t *testing.T) {
	a, _ := testApp(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := seedSpotLog(t, base)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "hourly.csv")
	pngPath := filepath.Join(dir, "out", "hourly.png")
	from, to := base, base.Add(4*time.Hour)

	err := a.exportFrom(context.Background(), mem, ExportOptions{From: &from, To: &to, CSVPath: csvPath, PNGPath: pngPath})
	require.NoError(t, err)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 5)
	assert.Equal(t, []string{"hour_utc", "notifications"}, rows[0])
	assert.Equal(t, []string{"2026-03-01T12:00:00Z", "2"}, rows[1])
	assert.Equal(t, []string{"2026-03-01T13:00:00Z", "0"}, rows[2])
	assert.Equal(t, []string{"2026-03-01T14:00:00Z", "1"}, rows[3])

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportRejectsInvertedWindow(t *testing.T) {
	a, _ := testApp(t)
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)
	err := a.exportFrom(context.Background(), storage.NewMemory(), ExportOptions{From: &from, To: &to, CSVPath: "x.csv"})
	assert.Error(t, err)
}

func TestExportRequiresOutput(t *testing.T) {
	a, _ := testApp(t)
	assert.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestCommandsRequireDatabase(t *testing.T) {
	a, _ := testApp(t)
	ctx := context.Background()
	assert.ErrorContains(t, a.Migrate(ctx), "database.dsn not configured")
	assert.ErrorContains(t, a.PollOnce(ctx), "database.dsn not configured")
	assert.ErrorContains(t, a.Sweep(ctx), "database.dsn not configured")
	assert.ErrorContains(t, a.Show(ctx, ShowOptions{Limit: 10}), "database.dsn not configured")
}

func TestDownsampleCounts(t *testing.T) {
	in := fillHours(nil, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	require.Len(t, in, 24)

	out := downsampleCounts(in, 5)
	require.Len(t, out, 5)
	assert.Equal(t, in[0].Hour, out[0].Hour)
	assert.Equal(t, in[23].Hour, out[4].Hour)

	assert.Len(t, downsampleCounts(in, 100), 24)
}

func TestPrintReport(t *testing.T) {
	a, out := testApp(t)
	a.printReport(service.CycleReport{ID: "abc", Sources: []string{"pskreporter"}, Spots: 12, Matches: 3, Sent: 2, Cooldown: 1})
	assert.Contains(t, out.String(), "abc")
	assert.Contains(t, out.String(), "pskreporter")
	assert.Regexp(t, `sent\s+2`, out.String())

	out.Reset()
	a.printReport(service.CycleReport{ID: "def", Skipped: true})
	assert.Contains(t, out.String(), "skipped")
}

func TestSimulateSpotFallsBackToLog(t *testing.T) {
	a, _ := testApp(t)
	err := a.SimulateSpot(context.Background(), SimulateSpotOptions{
		OwnerID:   "12345",
		Callsign:  "n4og",
		Frequency: decimal.NewFromInt(14074000),
	})
	assert.NoError(t, err)

	assert.Error(t, a.SimulateSpot(context.Background(), SimulateSpotOptions{OwnerID: "12345"}))
}

package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-alerts/internal/alerting"
	"spot-alerts/internal/alerts"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/fetcher"
	"spot-alerts/internal/matcher"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/ratelimit"
	"spot-alerts/internal/service"
	"spot-alerts/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSource struct {
	mu    sync.Mutex
	spots []domain.Spot
	err   error
	block chan struct{}
	calls int
}

func (f *fakeSource) Name() string { return domain.SourcePSKReporter }

func (f *fakeSource) FetchRecent(ctx context.Context, _ time.Time) ([]domain.Spot, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	spots, err := append([]domain.Spot(nil), f.spots...), f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return spots, err
}

func (f *fakeSource) set(err error, spots ...domain.Spot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spots, f.err = spots, err
}

type recorder struct {
	mu      sync.Mutex
	notes   []alerting.Notification
	ctxErrs []error
	err     error
	failFor map[string]error
}

func (r *recorder) Notify(ctx context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	if err, ok := r.failFor[n.OwnerID]; ok {
		return err
	}
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type harness struct {
	clk     *clock
	mem     *storage.Memory
	src     *fakeSource
	notes   *recorder
	alerts  *alerts.Service
	poller  *service.Poller
	sweeper *service.Sweeper
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := storage.NewMemory()
	src := &fakeSource{}
	rec := &recorder{}
	m := metrics.New()
	logger := zerolog.Nop()

	h := &harness{
		clk:     clk,
		mem:     mem,
		src:     src,
		notes:   rec,
		metrics: m,
		alerts: alerts.NewService(mem, alerts.Options{
			Expiration:     30 * 24 * time.Hour,
			EnabledSources: []string{domain.SourcePSKReporter},
			Now:            clk.Now,
		}, logger),
		sweeper: service.NewSweeper(mem, m, clk.Now, logger),
	}
	h.rebuild(mem, clk.Now)
	return h
}

// rebuild replaces the poller, letting a test swap the limiter's ledger or clock.
func (h *harness) rebuild(ledger ratelimit.Ledger, limiterNow func() time.Time) {
	h.poller = service.New(service.Dependencies{
		Alerts:   h.mem,
		Sources:  []fetcher.SpotSource{h.src},
		Matcher:  matcher.New(domain.DefaultModes),
		Limiter:  ratelimit.New(ratelimit.DefaultPolicy(), ledger, limiterNow),
		Notifier: h.notes,
		Metrics:  h.metrics,
	}, service.Options{DispatchWorkers: 4, Now: h.clk.Now}, zerolog.Nop())
}

func (h *harness) addAlert(t *testing.T, owner, pattern string, prefix bool, modes ...string) int64 {
	t.Helper()
	id, err := h.alerts.CreateAlert(context.Background(), alerts.CreateRequest{
		OwnerID: owner, Pattern: pattern, IsPrefix: prefix, Modes: modes,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) spot(call, mode string) domain.Spot {
	return domain.Spot{Callsign: call, Mode: mode, Source: domain.SourcePSKReporter, Timestamp: h.clk.Now()}.Normalize()
}

func (h *harness) cycle(t *testing.T) service.CycleReport {
	t.Helper()
	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

func TestPrefixSemantics(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "n4", true)

	h.src.set(nil, h.spot("N4OG", "FT8"), h.spot("W4N4", "FT8"))
	report := h.cycle(t)

	assert.Equal(t, 2, report.Spots)
	assert.Equal(t, 1, report.Matches)
	assert.Equal(t, 1, report.Sent)
	require.Equal(t, 1, h.notes.count())
	assert.Equal(t, "N4OG", h.notes.notes[0].Spot.Callsign)
	assert.Equal(t, "owner", h.notes.notes[0].OwnerID)
}

func TestExactSemantics(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)

	h.src.set(nil, h.spot("N4OGX", "FT8"), h.spot("N4OG", "FT8"))
	report := h.cycle(t)

	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, "N4OG", h.notes.notes[0].Spot.Callsign)
}

func TestDedupAcrossConsecutiveCycles(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)

	s := h.spot("N4OG", "FT8")
	h.src.set(nil, s)
	assert.Equal(t, 1, h.cycle(t).Sent)

	// next cycle the feed still reports the contact, past the cooldown
	h.clk.Advance(6 * time.Minute)
	report := h.cycle(t)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Duplicates)
	assert.Equal(t, 1, h.notes.count())
}

func TestCooldown(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4", true)

	h.src.set(nil, h.spot("N4OG", "FT8"))
	assert.Equal(t, 1, h.cycle(t).Sent)

	h.clk.Advance(2 * time.Minute)
	h.src.set(nil, h.spot("N4ABC", "FT8"))
	report := h.cycle(t)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 1, report.Cooldown)

	h.clk.Advance(4 * time.Minute)
	h.src.set(nil, h.spot("N4XYZ", "CW"))
	assert.Equal(t, 1, h.cycle(t).Sent)
	assert.Equal(t, 2, h.notes.count())
}

func TestHourlyQuota(t *testing.T) {
	h := newHarness(t)
	var spots []domain.Spot
	for i := 0; i < 25; i++ {
		call := fmt.Sprintf("K%dAB", i)
		h.addAlert(t, "owner", call, false)
		spots = append(spots, h.spot(call, "FT8"))
	}
	h.src.set(nil, spots...)

	report := h.cycle(t)
	assert.Equal(t, 25, report.Matches)
	assert.Equal(t, 20, report.Sent)
	assert.Equal(t, 5, report.Quota)
	assert.Equal(t, 20, h.notes.count())

	// still inside the hour: nothing more gets through
	h.clk.Advance(30 * time.Minute)
	for i := range spots {
		spots[i] = h.spot(spots[i].Callsign, "CW")
	}
	h.src.set(nil, spots...)
	report = h.cycle(t)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 25, report.Quota)
}

func TestExpiration(t *testing.T) {
	h := newHarness(t)
	short := alerts.NewService(h.mem, alerts.Options{
		Expiration:     time.Hour,
		EnabledSources: []string{domain.SourcePSKReporter},
		Now:            h.clk.Now,
	}, zerolog.Nop())
	_, err := short.CreateAlert(context.Background(), alerts.CreateRequest{OwnerID: "owner", Pattern: "N4OG"})
	require.NoError(t, err)

	h.clk.Advance(2 * time.Hour)
	n, err := h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = h.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "sweep is idempotent")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.AlertsExpired))

	h.src.set(nil, h.spot("N4OG", "FT8"))
	report := h.cycle(t)
	assert.Equal(t, 0, report.Alerts)
	assert.Equal(t, 0, h.notes.count())

	active, err := h.alerts.ListAlerts(context.Background(), "owner", true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := h.alerts.ListAlerts(context.Background(), "owner", false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestExpiredButNotSweptIsNotMatched(t *testing.T) {
	h := newHarness(t)
	short := alerts.NewService(h.mem, alerts.Options{
		Expiration:     time.Minute,
		EnabledSources: []string{domain.SourcePSKReporter},
		Now:            h.clk.Now,
	}, zerolog.Nop())
	_, err := short.CreateAlert(context.Background(), alerts.CreateRequest{OwnerID: "owner", Pattern: "N4OG"})
	require.NoError(t, err)

	h.clk.Advance(2 * time.Minute)
	h.src.set(nil, h.spot("N4OG", "FT8"))
	assert.Equal(t, 0, h.cycle(t).Sent)
}

func TestModeFilter(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false, "FT8")

	h.src.set(nil, h.spot("N4OG", "CW"))
	report := h.cycle(t)
	assert.Equal(t, 0, report.Matches)

	h.src.set(nil, h.spot("N4OG", "FT8"))
	assert.Equal(t, 1, h.cycle(t).Sent)
}

func TestDefaultModesApplyWhenAlertHasNone(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)

	h.src.set(nil, h.spot("N4OG", "WSPR"))
	assert.Equal(t, 0, h.cycle(t).Matches)
}

func TestFetchFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)

	h.src.set(errors.New("feed unavailable"), h.spot("N4OG", "FT8"))
	report, err := h.poller.RunCycle(context.Background())
	require.Error(t, err)
	var fe *domain.SourceFetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.SourcePSKReporter, fe.Source)
	assert.Equal(t, 0, report.Sent)
	assert.Equal(t, 0, h.notes.count())
	assert.Equal(t, service.Idle, h.poller.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("fetch_failed")))

	h.clk.Advance(2 * time.Minute)
	h.src.set(nil, h.spot("N4OG", "FT8"))
	assert.Equal(t, 1, h.cycle(t).Sent)
}

func TestDeliveryFailureKeepsSpotLogEntry(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)
	h.notes.err = errors.New("telegram down")

	h.src.set(nil, h.spot("N4OG", "FT8"))
	report := h.cycle(t)
	assert.Equal(t, 1, report.DeliveryFailures)
	assert.Equal(t, 0, report.Sent)
	assert.Len(t, h.mem.Notifications(), 1)

	h.notes.err = nil
	h.clk.Advance(6 * time.Minute)
	report = h.cycle(t)
	assert.Equal(t, 1, report.Duplicates, "a failed delivery is not retried")
}

func TestShutdownAfterReservationStillDelivers(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// the limiter reads its clock while holding the alert lock, so the cycle is
	// cancelled after the match was admitted and before delivery
	h.rebuild(h.mem, func() time.Time {
		cancel()
		return h.clk.Now()
	})

	h.src.set(nil, h.spot("N4OG", "FT8"))
	report, err := h.poller.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 0, report.DeliveryFailures)
	require.Len(t, h.mem.Notifications(), 1)
	require.Len(t, h.notes.ctxErrs, 1)
	assert.NoError(t, h.notes.ctxErrs[0], "delivery runs on a context detached from shutdown")
}

func TestOneFailedDeliveryDoesNotStopOtherMatches(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "flaky", "N4OG", false)
	h.addAlert(t, "steady", "N4", true)
	h.notes.failFor = map[string]error{"flaky": errors.New("chat blocked")}

	h.src.set(nil, h.spot("N4OG", "FT8"))
	report := h.cycle(t)
	assert.Equal(t, 2, report.Matches)
	assert.Equal(t, 1, report.DeliveryFailures)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, h.mem.Notifications(), 2)
	assert.Equal(t, 2, h.notes.count())
}

type failingLedger struct {
	*storage.Memory
	broken int64
}

func (l failingLedger) WithinAlertLock(ctx context.Context, alertID int64, ownerID string, fn func(ratelimit.Window) error) error {
	if alertID == l.broken {
		return errors.New("connection reset by peer")
	}
	return l.Memory.WithinAlertLock(ctx, alertID, ownerID, fn)
}

func TestOneFailedReservationDoesNotStopOtherMatches(t *testing.T) {
	h := newHarness(t)
	broken := h.addAlert(t, "first", "N4OG", false)
	h.addAlert(t, "second", "N4OG", false)
	h.rebuild(failingLedger{Memory: h.mem, broken: broken}, h.clk.Now)

	h.src.set(nil, h.spot("N4OG", "FT8"))
	report := h.cycle(t)
	assert.Equal(t, 2, report.Matches)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.Sent)

	log := h.mem.Notifications()
	require.Len(t, log, 1)
	assert.Equal(t, "second", log[0].OwnerID)
	require.Equal(t, 1, h.notes.count())
	assert.Equal(t, "second", h.notes.notes[0].OwnerID)
}

func TestShutdownDuringFetchIsNotAFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)
	h.src.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.poller.RunCycle(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.poller.State() == service.Fetching }, time.Second, time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(time.Second):
		t.Fatal("cycle did not stop after cancellation")
	}
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.As(err, new(*domain.SourceFetchError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("cancelled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("fetch_failed")))
	assert.Equal(t, service.Idle, h.poller.State())
}

func TestCycleInProgress(t *testing.T) {
	h := newHarness(t)
	h.addAlert(t, "owner", "N4OG", false)
	h.src.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.poller.RunCycle(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.poller.State() == service.Fetching }, time.Second, time.Millisecond)

	_, err := h.poller.RunCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
	assert.NoError(t, h.poller.Tick(context.Background(), time.Time{}), "scheduler ticks skip quietly")

	close(h.src.block)
	require.NoError(t, <-done)
	assert.Equal(t, service.Idle, h.poller.State())
}

func TestNoLiveAlertsSkipsFetch(t *testing.T) {
	h := newHarness(t)
	report := h.cycle(t)
	assert.Equal(t, 0, report.Alerts)
	assert.Equal(t, 0, h.src.calls)
	assert.NotEmpty(t, report.ID)
}

type heldLock struct{}

func (heldLock) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

func TestAdvisoryLockHeldElsewhere(t *testing.T) {
	mem := storage.NewMemory()
	p := service.New(service.Dependencies{
		Alerts:   mem,
		Matcher:  matcher.New(domain.DefaultModes),
		Limiter:  ratelimit.New(ratelimit.DefaultPolicy(), mem, nil),
		Notifier: &recorder{},
		Locker:   heldLock{},
	}, service.Options{LockKey: 42}, zerolog.Nop())

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "notifying", service.Notifying.String())
	assert.Equal(t, "state(7)", service.State(7).String())
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spot-alerts/internal/alerting"
	"spot-alerts/internal/domain"
	"spot-alerts/internal/fetcher"
	"spot-alerts/internal/matcher"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/ratelimit"
	"spot-alerts/internal/storage"
)

// State is the poll cycle phase.
type State int

const (
	Idle State = iota
	Fetching
	Matching
	Notifying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Matching:
		return "matching"
	case Notifying:
		return "notifying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	ID               string
	StartedAt        time.Time
	Duration         time.Duration
	Skipped          bool
	Alerts           int
	Sources          []string
	Spots            int
	Matches          int
	Sent             int
	Duplicates       int
	Cooldown         int
	Quota            int
	DeliveryFailures int
	Errors           int
}

// Dependencies are the collaborators of a Poller.
type Dependencies struct {
	Alerts   storage.AlertStore
	Sources  []fetcher.SpotSource
	Matcher  *matcher.Matcher
	Limiter  *ratelimit.Limiter
	Notifier alerting.Notifier
	Locker   storage.AdvisoryLocker
	Metrics  *metrics.Metrics
}

// Options tune the poll cycle.
type Options struct {
	FetchTimeout    time.Duration
	// DeliveryTimeout bounds one delivery once its Spot Log entry is recorded.
	DeliveryTimeout time.Duration
	Lookback        time.Duration
	DispatchWorkers int
	LockKey         int64
	Now             func() time.Time
}

// Poller runs poll cycles: fetch recent spots, match them against live alerts,
// apply dedup and rate limits, and notify owners.
type Poller struct {
	deps    Dependencies
	sources map[string]fetcher.SpotSource
	opts    Options
	logger  zerolog.Logger

	mu    sync.Mutex
	state State
}

// New constructs the poller.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Poller {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 10 * time.Minute
	}
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	sources := make(map[string]fetcher.SpotSource, len(deps.Sources))
	for _, src := range deps.Sources {
		sources[src.Name()] = src
	}

	return &Poller{
		deps:    deps,
		sources: sources,
		opts:    opts,
		logger:  logger.With().Str("component", "poller").Logger(),
	}
}

// State returns the current cycle phase.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) transition(from, to State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Tick adapts RunCycle to the scheduler.
func (p *Poller) Tick(ctx context.Context, _ time.Time) error {
	_, err := p.RunCycle(ctx)
	if errors.Is(err, domain.ErrCycleInProgress) {
		p.logger.Warn().Msg("poll cycle already in progress, skipping")
		return nil
	}
	return err
}

// RunCycle executes exactly one poll cycle. It returns ErrCycleInProgress when another
// cycle has not finished. A source failure aborts the cycle before any notification.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	if !p.transition(Idle, Fetching) {
		return CycleReport{}, domain.ErrCycleInProgress
	}
	defer p.setState(Idle)

	report := CycleReport{ID: uuid.NewString(), StartedAt: p.opts.Now()}
	logger := p.logger.With().Str("cycle_id", report.ID).Logger()

	unlock, proceed, err := p.acquireLock(ctx)
	if err != nil {
		p.deps.Metrics.Cycles.WithLabelValues("error").Inc()
		return report, err
	}
	if !proceed {
		logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		p.deps.Metrics.Cycles.WithLabelValues("locked").Inc()
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	err = p.execute(ctx, &report, logger)
	report.Duration = p.opts.Now().Sub(report.StartedAt)

	switch {
	case err == nil:
		p.deps.Metrics.Cycles.WithLabelValues("ok").Inc()
		p.deps.Metrics.CycleDuration.Observe(report.Duration.Seconds())
		logger.Info().
			Int("alerts", report.Alerts).
			Strs("sources", report.Sources).
			Int("spots", report.Spots).
			Int("matches", report.Matches).
			Int("sent", report.Sent).
			Int("duplicates", report.Duplicates).
			Int("cooldown", report.Cooldown).
			Int("quota", report.Quota).
			Int("delivery_failures", report.DeliveryFailures).
			Int("errors", report.Errors).
			Dur("duration", report.Duration).
			Msg("poll cycle complete")
	case errors.As(err, new(*domain.SourceFetchError)):
		p.deps.Metrics.Cycles.WithLabelValues("fetch_failed").Inc()
		logger.Error().Err(err).Msg("poll cycle aborted")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		p.deps.Metrics.Cycles.WithLabelValues("cancelled").Inc()
		logger.Warn().Err(err).Msg("poll cycle cancelled")
	default:
		p.deps.Metrics.Cycles.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("poll cycle failed")
	}
	return report, err
}

func (p *Poller) execute(ctx context.Context, report *CycleReport, logger zerolog.Logger) error {
	now := p.opts.Now()
	alerts, err := p.deps.Alerts.ListLiveAlerts(ctx, now)
	if err != nil {
		return domain.Persistence("list live alerts", err)
	}
	report.Alerts = len(alerts)
	if len(alerts) == 0 {
		logger.Debug().Msg("no live alerts, nothing to poll")
		return nil
	}

	report.Sources = p.referencedSources(alerts, logger)
	if len(report.Sources) == 0 {
		return nil
	}

	spots, err := p.fetchAll(ctx, report.Sources, now.Add(-p.opts.Lookback), logger)
	if err != nil {
		return err
	}
	report.Spots = len(spots)

	p.setState(Matching)
	pairs := p.match(spots, alerts)
	report.Matches = len(pairs)
	p.deps.Metrics.Matches.Add(float64(len(pairs)))

	p.setState(Notifying)
	p.dispatch(ctx, pairs, report, logger)
	return nil
}

// referencedSources returns the enabled sources used by at least one alert, sorted.
func (p *Poller) referencedSources(alerts []domain.Alert, logger zerolog.Logger) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, a := range alerts {
		if _, ok := seen[a.Source]; ok {
			continue
		}
		seen[a.Source] = struct{}{}
		if _, ok := p.sources[a.Source]; !ok {
			logger.Warn().Str("source", a.Source).Msg("alerts reference a source that is not enabled")
			continue
		}
		names = append(names, a.Source)
	}
	sort.Strings(names)
	return names
}

func (p *Poller) fetchAll(ctx context.Context, names []string, since time.Time, logger zerolog.Logger) ([]domain.Spot, error) {
	results := make([][]domain.Spot, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		src := p.sources[name]
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, p.opts.FetchTimeout)
			defer cancel()

			spots, err := src.FetchRecent(fctx, since)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return &domain.SourceFetchError{Source: name, Err: err}
			}
			results[i] = spots
			p.deps.Metrics.SpotsFetched.WithLabelValues(name).Add(float64(len(spots)))
			logger.Debug().Str("source", name).Int("spots", len(spots)).Msg("source fetched")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var all []domain.Spot
	for _, spots := range results {
		all = append(all, spots...)
	}
	return all, nil
}

type match struct {
	alert domain.Alert
	spot  domain.Spot
}

func (p *Poller) match(spots []domain.Spot, alerts []domain.Alert) []match {
	var pairs []match
	for _, spot := range spots {
		for _, alert := range p.deps.Matcher.Match(spot, alerts) {
			pairs = append(pairs, match{alert: alert, spot: spot})
		}
	}
	return pairs
}

// dispatch handles every match independently. Failures are logged and counted; they never
// stop the remaining matches. Cancellation stops scheduling new matches.
func (p *Poller) dispatch(ctx context.Context, pairs []match, report *CycleReport, logger zerolog.Logger) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.opts.DispatchWorkers)

	tally := func(fn func(r *CycleReport)) {
		mu.Lock()
		fn(report)
		mu.Unlock()
	}

	for _, pair := range pairs {
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("cycle cancelled during notification")
			break
		}
		g.Go(func() error {
			p.handle(ctx, pair, tally, logger)
			return nil
		})
	}
	_ = g.Wait()
}

// handle processes one match. Cancellation is honoured only before the reservation; a
// recorded entry is always delivered, bounded by DeliveryTimeout.
func (p *Poller) handle(ctx context.Context, pair match, tally func(func(*CycleReport)), logger zerolog.Logger) {
	if ctx.Err() != nil {
		return
	}
	log := logger.With().
		Int64("alert_id", pair.alert.ID).
		Str("owner_id", pair.alert.OwnerID).
		Str("source", pair.spot.Source).
		Str("callsign", pair.spot.Callsign).
		Str("mode", pair.spot.Mode).
		Logger()

	decision, entry, err := p.deps.Limiter.Reserve(ctx, pair.alert, pair.spot)
	if err != nil {
		tally(func(r *CycleReport) { r.Errors++ })
		log.Error().Err(err).Msg("rate check failed")
		return
	}
	p.deps.Metrics.Decisions.WithLabelValues(decision.String()).Inc()

	switch decision {
	case ratelimit.DeniedDuplicate:
		tally(func(r *CycleReport) { r.Duplicates++ })
		log.Debug().Msg("duplicate spot suppressed")
		return
	case ratelimit.DeniedCooldown:
		tally(func(r *CycleReport) { r.Cooldown++ })
		log.Debug().Msg("alert in cooldown")
		return
	case ratelimit.DeniedQuota:
		tally(func(r *CycleReport) { r.Quota++ })
		log.Info().Msg("owner hourly quota reached")
		return
	}

	note := alerting.Notification{
		OwnerID: pair.alert.OwnerID,
		Alert:   pair.alert,
		Spot:    pair.spot,
		SentAt:  entry.SentAt,
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.DeliveryTimeout)
	defer cancel()
	if err := p.deps.Notifier.Notify(dctx, note); err != nil {
		tally(func(r *CycleReport) { r.DeliveryFailures++ })
		p.deps.Metrics.Deliveries.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("notification delivery failed")
		return
	}
	tally(func(r *CycleReport) { r.Sent++ })
	p.deps.Metrics.Deliveries.WithLabelValues("sent").Inc()
	log.Info().Msg("notification sent")
}

func (p *Poller) acquireLock(ctx context.Context) (func(), bool, error) {
	if p.opts.LockKey == 0 || p.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.deps.Locker.TryAdvisoryLock(ctx, p.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"spot-alerts/internal/domain"
)

const maxErrorBody = 512

// PSKReporterOptions parameterise the PSKReporter client.
type PSKReporterOptions struct {
	BaseURL     string
	Limit       int
	MinInterval time.Duration
	Timeout     time.Duration
	UserAgent   string
	Now         func() time.Time
}

// PSKReporter queries the PSKReporter reception report API.
type PSKReporter struct {
	opts    PSKReporterOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewPSKReporter constructs a PSKReporter client. Requests are spaced at least MinInterval apart.
func NewPSKReporter(opts PSKReporterOptions, logger zerolog.Logger) *PSKReporter {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 1000
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.pskreporter.info/pskreporter/query"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}

	return &PSKReporter{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "pskreporter_fetcher").Logger(),
	}
}

// Name implements SpotSource.
func (p *PSKReporter) Name() string { return domain.SourcePSKReporter }

// FetchRecent implements SpotSource.
func (p *PSKReporter) FetchRecent(ctx context.Context, since time.Time) ([]domain.Spot, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("pskreporter throttle: %w", err)
	}

	now := p.opts.Now().UTC()
	timerange := int64(now.Sub(since) / time.Second)
	if timerange <= 0 {
		timerange = 1
	}

	params := url.Values{}
	params.Set("timerange", strconv.FormatInt(timerange, 10))
	params.Set("limit", strconv.Itoa(p.opts.Limit))
	endpoint := p.opts.BaseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create pskreporter request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spotwatcher/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pskreporter request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if msg := strings.TrimSpace(string(body)); msg != "" {
			return nil, fmt.Errorf("pskreporter api error (%d): %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("pskreporter api error (%d)", resp.StatusCode)
	}

	var payload queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode pskreporter response: %w", err)
	}

	spots := make([]domain.Spot, 0, len(payload.Reports))
	skipped := 0
	for _, report := range payload.Reports {
		spot, ok := report.toSpot(payload.Senders, now)
		if !ok {
			skipped++
			continue
		}
		if spot.Timestamp.Before(since) {
			continue
		}
		spots = append(spots, spot)
	}

	p.logger.Debug().
		Int("reports", len(payload.Reports)).
		Int("spots", len(spots)).
		Int("skipped", skipped).
		Int64("timerange_s", timerange).
		Msg("pskreporter fetch complete")
	return spots, nil
}

type queryResponse struct {
	Reports []report `json:"r"`
	Senders []sender `json:"s"`
}

type sender struct {
	Callsign string `json:"callsign"`
}

type report struct {
	// SenderCallsign is either an index into the sender table or the callsign itself.
	SenderCallsign json.RawMessage `json:"sCallsign"`
	ReceiverCall   string          `json:"rCallsign"`
	ReceiverLoc    string          `json:"rLocator"`
	Mode           string          `json:"mode"`
	Frequency      json.Number     `json:"frequency"`
	Time           int64           `json:"time"`
}

func (r report) callsign(senders []sender) string {
	raw := strings.TrimSpace(string(r.SenderCallsign))
	if raw == "" || raw == "null" {
		return ""
	}
	var idx int
	if err := json.Unmarshal(r.SenderCallsign, &idx); err == nil {
		if idx >= 0 && idx < len(senders) {
			return senders[idx].Callsign
		}
		return ""
	}
	var call string
	if err := json.Unmarshal(r.SenderCallsign, &call); err == nil {
		return call
	}
	return ""
}

func (r report) toSpot(senders []sender, now time.Time) (domain.Spot, bool) {
	callsign := r.callsign(senders)
	if strings.TrimSpace(callsign) == "" || strings.TrimSpace(r.Mode) == "" {
		return domain.Spot{}, false
	}

	freq := decimal.Zero
	if r.Frequency != "" {
		parsed, err := decimal.NewFromString(r.Frequency.String())
		if err != nil {
			return domain.Spot{}, false
		}
		freq = parsed
	}

	ts := now
	if r.Time > 0 {
		ts = time.Unix(r.Time, 0)
	}

	return domain.Spot{
		Callsign:  callsign,
		Mode:      r.Mode,
		Source:    domain.SourcePSKReporter,
		Timestamp: ts,
		Frequency: freq,
		Spotter:   r.ReceiverCall,
		Locator:   r.ReceiverLoc,
	}.Normalize(), true
}

var _ SpotSource = (*PSKReporter)(nil)

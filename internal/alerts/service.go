// Package alerts implements the alert management operations exposed to the command layer.
package alerts

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/storage"
)

const maxPatternLength = 15

var (
	prefixPattern   = regexp.MustCompile(`^[A-Z0-9]{1,4}$`)
	callsignPattern = regexp.MustCompile(`^[A-Z0-9]{1,3}[0-9][A-Z0-9]{0,3}[A-Z]$`)
	portablePattern = regexp.MustCompile(`^[A-Z0-9]{1,4}/[A-Z0-9]{1,3}[0-9][A-Z0-9]{0,3}[A-Z]$|^[A-Z0-9]{1,3}[0-9][A-Z0-9]{0,3}[A-Z]/[A-Z0-9]{1,4}$`)
)

// CreateRequest carries the parameters of a new alert.
type CreateRequest struct {
	OwnerID  string
	Pattern  string
	IsPrefix bool
	Modes    []string
	Source   string
}

// Options configure the service.
type Options struct {
	Expiration     time.Duration
	EnabledSources []string
	Now            func() time.Time
}

// Service validates and persists alert rules.
type Service struct {
	store      storage.AlertStore
	expiration time.Duration
	sources    []string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewService constructs the alert service.
func NewService(store storage.AlertStore, opts Options, logger zerolog.Logger) *Service {
	if opts.Expiration <= 0 {
		opts.Expiration = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	sources := make([]string, 0, len(opts.EnabledSources))
	for _, src := range opts.EnabledSources {
		if src = strings.ToLower(strings.TrimSpace(src)); src != "" {
			sources = append(sources, src)
		}
	}
	return &Service{
		store:      store,
		expiration: opts.Expiration,
		sources:    sources,
		now:        opts.Now,
		logger:     logger.With().Str("component", "alerts").Logger(),
	}
}

// CreateAlert validates req and stores a new active alert, returning its id.
func (s *Service) CreateAlert(ctx context.Context, req CreateRequest) (int64, error) {
	alert, err := s.validate(req)
	if err != nil {
		return 0, err
	}

	alert.CreatedAt = s.now().UTC()
	alert.ExpiresAt = alert.CreatedAt.Add(s.expiration)
	alert.Active = true

	created, err := s.store.CreateAlert(ctx, alert)
	if err != nil {
		return 0, domain.Persistence("create alert", err)
	}

	s.logger.Info().
		Int64("alert_id", created.ID).
		Str("owner_id", created.OwnerID).
		Str("pattern", created.Pattern).
		Bool("is_prefix", created.IsPrefix).
		Strs("modes", created.Modes).
		Str("source", created.Source).
		Time("expires_at", created.ExpiresAt).
		Msg("alert created")
	return created.ID, nil
}

// ListAlerts returns the owner's alerts, most recent first.
func (s *Service) ListAlerts(ctx context.Context, ownerID string, activeOnly bool) ([]domain.Alert, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, domain.NewValidationError("owner_id", "must not be empty")
	}
	alerts, err := s.store.ListAlerts(ctx, ownerID, activeOnly)
	if err != nil {
		return nil, domain.Persistence("list alerts", err)
	}
	return alerts, nil
}

// RemoveAlert deactivates an alert. Only the owner may remove it.
func (s *Service) RemoveAlert(ctx context.Context, ownerID string, alertID int64) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.NewValidationError("owner_id", "must not be empty")
	}
	if err := s.store.DeactivateAlert(ctx, ownerID, alertID); err != nil {
		return domain.Persistence("remove alert", err)
	}
	s.logger.Info().Int64("alert_id", alertID).Str("owner_id", ownerID).Msg("alert removed")
	return nil
}

// RemoveAlertsByPattern deactivates every active alert of the owner for pattern.
func (s *Service) RemoveAlertsByPattern(ctx context.Context, ownerID, pattern string) (int64, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return 0, domain.NewValidationError("owner_id", "must not be empty")
	}
	pattern = normalizePattern(pattern)
	if pattern == "" {
		return 0, domain.NewValidationError("pattern", "must not be empty")
	}
	n, err := s.store.DeactivateAlertsByPattern(ctx, ownerID, pattern)
	if err != nil {
		return 0, domain.Persistence("remove alerts by pattern", err)
	}
	s.logger.Info().Str("owner_id", ownerID).Str("pattern", pattern).Int64("removed", n).Msg("alerts removed by pattern")
	return n, nil
}

func (s *Service) validate(req CreateRequest) (domain.Alert, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return domain.Alert{}, domain.NewValidationError("owner_id", "must not be empty")
	}

	pattern := normalizePattern(req.Pattern)
	if err := ValidatePattern(pattern, req.IsPrefix); err != nil {
		return domain.Alert{}, err
	}

	source, err := s.resolveSource(req.Source)
	if err != nil {
		return domain.Alert{}, err
	}

	modes := domain.NormalizeModes(req.Modes)
	if err := validateModes(modes, source); err != nil {
		return domain.Alert{}, err
	}

	return domain.Alert{
		OwnerID:  owner,
		Pattern:  pattern,
		IsPrefix: req.IsPrefix,
		Modes:    modes,
		Source:   source,
	}, nil
}

func (s *Service) resolveSource(raw string) (string, error) {
	source := strings.ToLower(strings.TrimSpace(raw))
	if source == "" {
		if len(s.sources) == 0 {
			return "", domain.NewValidationError("source", "no data sources are enabled")
		}
		return s.sources[0], nil
	}
	for _, enabled := range s.sources {
		if enabled == source {
			return source, nil
		}
	}
	return "", domain.NewValidationError("source", "%q is not an enabled data source (enabled: %s)", source, strings.Join(s.sources, ", "))
}

// ValidatePattern checks an upper-cased pattern against the callsign and prefix grammar.
func ValidatePattern(pattern string, isPrefix bool) error {
	if pattern == "" {
		return domain.NewValidationError("pattern", "must not be empty")
	}
	if len(pattern) > maxPatternLength {
		return domain.NewValidationError("pattern", "%q is longer than %d characters", pattern, maxPatternLength)
	}
	if isPrefix {
		if prefixPattern.MatchString(pattern) || callsignPattern.MatchString(pattern) {
			return nil
		}
		return domain.NewValidationError("pattern", "%q is not a valid callsign prefix", pattern)
	}
	if callsignPattern.MatchString(pattern) || portablePattern.MatchString(pattern) {
		return nil
	}
	if len(pattern) <= 4 && prefixPattern.MatchString(pattern) {
		return domain.NewValidationError("pattern", "%q looks like a prefix; create it as a prefix alert", pattern)
	}
	return domain.NewValidationError("pattern", "%q is not a valid callsign", pattern)
}

func validateModes(modes []string, source string) error {
	supported := domain.SupportedModes(source)
	if len(modes) == 0 || supported == nil {
		return nil
	}
	allowed := make(map[string]struct{}, len(supported))
	for _, m := range supported {
		allowed[m] = struct{}{}
	}
	var invalid []string
	for _, m := range modes {
		if _, ok := allowed[m]; !ok {
			invalid = append(invalid, m)
		}
	}
	if len(invalid) > 0 {
		return domain.NewValidationError("modes", "%s not supported by %s (valid: %s)",
			strings.Join(invalid, ", "), source, strings.Join(supported, ", "))
	}
	return nil
}

func normalizePattern(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

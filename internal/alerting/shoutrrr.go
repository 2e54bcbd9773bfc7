package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/rs/zerolog"
)

// OwnerPlaceholder is substituted with the (URL-escaped) owner id in shoutrrr URLs.
const OwnerPlaceholder = "{owner}"

type shoutrrrSender interface {
	Send(message string, params *types.Params) []error
}

func createShoutrrrSender(urls ...string) (shoutrrrSender, error) {
	return shoutrrr.CreateSender(urls...)
}

// ShoutrrrNotifier delivers through any shoutrrr service URL (discord, ntfy, slack, ...).
// Senders are built once per rendered URL set and reused.
type ShoutrrrNotifier struct {
	urls      []string
	logger    zerolog.Logger
	newSender func(urls ...string) (shoutrrrSender, error)

	mu      sync.Mutex
	senders map[string]shoutrrrSender
}

// NewShoutrrrNotifier validates the URL templates and constructs the notifier.
func NewShoutrrrNotifier(urls []string, logger zerolog.Logger) (*ShoutrrrNotifier, error) {
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := url.Parse(strings.ReplaceAll(raw, OwnerPlaceholder, "owner")); err != nil {
			return nil, fmt.Errorf("parse shoutrrr url: %w", err)
		}
		cleaned = append(cleaned, raw)
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("shoutrrr: no urls configured")
	}
	return &ShoutrrrNotifier{
		urls:      cleaned,
		logger:    logger.With().Str("component", "alert_shoutrrr").Logger(),
		newSender: createShoutrrrSender,
		senders:   make(map[string]shoutrrrSender),
	}, nil
}

// Notify renders the owner's URLs and sends the message to each.
func (n *ShoutrrrNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	urls := make([]string, len(n.urls))
	owner := url.PathEscape(note.OwnerID)
	for i, raw := range n.urls {
		urls[i] = strings.ReplaceAll(raw, OwnerPlaceholder, owner)
	}

	sender, err := n.sender(urls)
	if err != nil {
		return err
	}

	params := types.Params{"title": "Spot Alert: " + note.Spot.Callsign}
	if errs := errors.Join(sender.Send(renderMessage(note), &params)...); errs != nil {
		return fmt.Errorf("shoutrrr send: %w", errs)
	}

	n.logger.Debug().
		Str("owner_id", note.OwnerID).
		Int64("alert_id", note.Alert.ID).
		Int("services", len(urls)).
		Msg("notification sent (shoutrrr)")
	return nil
}

// sender returns the cached sender for urls, creating it on first use. Failures are not cached.
func (n *ShoutrrrNotifier) sender(urls []string) (shoutrrrSender, error) {
	key := strings.Join(urls, "\n")

	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.senders[key]; ok {
		return s, nil
	}
	s, err := n.newSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	n.senders[key] = s
	return s, nil
}

var _ Notifier = (*ShoutrrrNotifier)(nil)

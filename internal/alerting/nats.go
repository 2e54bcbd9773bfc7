package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SpotEvent is the JSON document published for each notification.
type SpotEvent struct {
	OwnerID   string    `json:"owner_id"`
	AlertID   int64     `json:"alert_id"`
	Pattern   string    `json:"pattern"`
	IsPrefix  bool      `json:"is_prefix"`
	SpotID    string    `json:"spot_id"`
	Source    string    `json:"source"`
	Callsign  string    `json:"callsign"`
	Mode      string    `json:"mode"`
	Frequency string    `json:"frequency_hz,omitempty"`
	Spotter   string    `json:"spotter,omitempty"`
	Locator   string    `json:"locator,omitempty"`
	SpotTime  time.Time `json:"spot_time"`
	SentAt    time.Time `json:"sent_at"`
	Message   string    `json:"message"`
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes a SpotEvent on "<subject>.<owner>".
type NATSNotifier struct {
	conn    publisher
	closer  func()
	subject string
	logger  zerolog.Logger
}

// DialNATS connects to url and constructs the notifier.
func DialNATS(url, subject string, timeout time.Duration, logger zerolog.Logger) (*NATSNotifier, error) {
	nc, err := nats.Connect(url, nats.Name("spotwatcher"), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := NewNATSNotifier(nc, subject, logger)
	n.closer = nc.Close
	return n, nil
}

// NewNATSNotifier wraps an existing publisher such as *nats.Conn.
func NewNATSNotifier(conn publisher, subject string, logger zerolog.Logger) *NATSNotifier {
	return &NATSNotifier{
		conn:    conn,
		subject: strings.TrimSuffix(subject, "."),
		logger:  logger.With().Str("component", "alert_nats").Logger(),
	}
}

// Notify publishes the event for note.
func (n *NATSNotifier) Notify(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event := SpotEvent{
		OwnerID:  note.OwnerID,
		AlertID:  note.Alert.ID,
		Pattern:  note.Alert.Pattern,
		IsPrefix: note.Alert.IsPrefix,
		SpotID:   note.Spot.ID,
		Source:   note.Spot.Source,
		Callsign: note.Spot.Callsign,
		Mode:     note.Spot.Mode,
		Spotter:  note.Spot.Spotter,
		Locator:  note.Spot.Locator,
		SpotTime: note.Spot.Timestamp.UTC(),
		SentAt:   note.SentAt.UTC(),
		Message:  renderMessage(note),
	}
	if note.Spot.Frequency.IsPositive() {
		event.Frequency = note.Spot.Frequency.String()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal spot event: %w", err)
	}
	subject := n.SubjectFor(note.OwnerID)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	n.logger.Debug().Str("subject", subject).Int64("alert_id", note.Alert.ID).Msg("notification sent (nats)")
	return nil
}

// SubjectFor returns the subject for owner with NATS token separators and wildcards replaced.
func (n *NATSNotifier) SubjectFor(owner string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, owner)
	if token == "" {
		token = "_"
	}
	return n.subject + "." + token
}

// Close releases the underlying connection when the notifier owns it.
func (n *NATSNotifier) Close() {
	if n.closer != nil {
		n.closer()
	}
}

var _ Notifier = (*NATSNotifier)(nil)

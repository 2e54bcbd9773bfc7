package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"spot-alerts/internal/domain"
	"spot-alerts/internal/ratelimit"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	alertColumns = `id, owner_id, pattern, is_prefix, modes, source, created_at, expires_at, active`

	insertAlertSQL = `INSERT INTO alerts (
        owner_id,
        pattern,
        is_prefix,
        modes,
        source,
        created_at,
        expires_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING ` + alertColumns + `;`

	listOwnerAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE owner_id = $1
      AND ($2 = FALSE OR active = TRUE)
    ORDER BY created_at DESC, id DESC;`

	deactivateAlertSQL = `UPDATE alerts
    SET active = FALSE
    WHERE id = $1 AND owner_id = $2 AND active = TRUE;`

	deactivateAlertsByPatternSQL = `UPDATE alerts
    SET active = FALSE
    WHERE owner_id = $1 AND pattern = $2 AND active = TRUE;`

	listLiveAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE active = TRUE
      AND expires_at > $1
    ORDER BY created_at, id;`

	expireAlertsSQL = `UPDATE alerts
    SET active = FALSE
    WHERE active = TRUE AND expires_at <= $1;`

	lockOwnerSQL = `SELECT pg_advisory_xact_lock(hashtextextended('spotwatcher:owner:' || $1::text, 0));`
	lockAlertSQL = `SELECT pg_advisory_xact_lock(hashtextextended('spotwatcher:alert:' || $1::text, 0));`

	hasDuplicateSQL = `SELECT EXISTS (
        SELECT 1 FROM spot_log
        WHERE alert_id = $1
          AND (
                (spot_source = $2 AND spot_id = $3)
             OR (callsign = $4 AND mode = $5 AND spot_ts BETWEEN $6 AND $7)
          )
    );`

	lastSentSQL = `SELECT MAX(sent_at) FROM spot_log WHERE alert_id = $1;`

	countOwnerSinceSQL = `SELECT COUNT(*) FROM spot_log WHERE owner_id = $1 AND sent_at > $2;`

	insertSpotLogSQL = `INSERT INTO spot_log (
        alert_id,
        owner_id,
        spot_id,
        spot_source,
        callsign,
        mode,
        frequency_hz,
        spot_ts,
        sent_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (alert_id, spot_source, spot_id) DO NOTHING
    RETURNING id;`

	listRecentNotificationsSQL = `SELECT
        id,
        alert_id,
        owner_id,
        spot_id,
        spot_source,
        callsign,
        mode,
        frequency_hz::text,
        spot_ts,
        sent_at
    FROM spot_log
    ORDER BY sent_at DESC, id DESC
    LIMIT $1;`

	hourlyCountsSQL = `SELECT date_trunc('hour', sent_at AT TIME ZONE 'UTC') AS hour, COUNT(*)
    FROM spot_log
    WHERE sent_at >= $1
      AND sent_at < $2
    GROUP BY 1
    ORDER BY 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store aggregates access to alerts and the spot log.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also drops when the connection closes
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateAlert persists a new alert and returns it with its assigned id.
func (s *Store) CreateAlert(ctx context.Context, alert domain.Alert) (domain.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return domain.Alert{}, err
	}

	modes := alert.Modes
	if modes == nil {
		modes = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.OwnerID,
		alert.Pattern,
		alert.IsPrefix,
		modes,
		alert.Source,
		alert.CreatedAt,
		alert.ExpiresAt,
	)
	created, err := scanAlert(row)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return created, nil
}

// ListAlerts lists an owner's alerts, most recent first.
func (s *Store) ListAlerts(ctx context.Context, ownerID string, activeOnly bool) ([]domain.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listOwnerAlertsSQL, ownerID, activeOnly)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	return collectAlerts(rows)
}

// DeactivateAlert deactivates an active alert owned by ownerID.
func (s *Store) DeactivateAlert(ctx context.Context, ownerID string, alertID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateAlertSQL, alertID, ownerID)
	if execErr != nil {
		return fmt.Errorf("deactivate alert: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return &domain.NotFoundError{OwnerID: ownerID, AlertID: alertID}
	}
	return nil
}

// DeactivateAlertsByPattern deactivates every active alert of ownerID with the given pattern.
func (s *Store) DeactivateAlertsByPattern(ctx context.Context, ownerID, pattern string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateAlertsByPatternSQL, ownerID, pattern)
	if execErr != nil {
		return 0, fmt.Errorf("deactivate alerts by pattern: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// ListLiveAlerts lists alerts that are active and unexpired at now.
func (s *Store) ListLiveAlerts(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLiveAlertsSQL, now)
	if queryErr != nil {
		return nil, fmt.Errorf("list live alerts: %w", queryErr)
	}
	return collectAlerts(rows)
}

// ExpireAlerts deactivates alerts whose expiry has passed and returns how many changed.
func (s *Store) ExpireAlerts(ctx context.Context, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, expireAlertsSQL, now)
	if execErr != nil {
		return 0, fmt.Errorf("expire alerts: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// WithinAlertLock runs fn in a transaction holding the owner and alert advisory locks.
func (s *Store) WithinAlertLock(ctx context.Context, alertID int64, ownerID string, fn func(ratelimit.Window) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		// owner before alert, always, so concurrent units cannot deadlock
		if _, err := tx.Exec(ctx, lockOwnerSQL, ownerID); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}
		if _, err := tx.Exec(ctx, lockAlertSQL, strconv.FormatInt(alertID, 10)); err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}
		return fn(&txWindow{tx: tx})
	})
}

// ListRecentNotifications lists the most recent spot log entries.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]domain.SpotNotification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]domain.SpotNotification, 0, limit)
	for rows.Next() {
		var (
			entry domain.SpotNotification
			freq  sql.NullString
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.AlertID,
			&entry.OwnerID,
			&entry.SpotID,
			&entry.Source,
			&entry.Callsign,
			&entry.Mode,
			&freq,
			&entry.SpotTime,
			&entry.SentAt,
		); err != nil {
			return nil, err
		}
		if freq.Valid {
			parsed, convErr := decimal.NewFromString(freq.String)
			if convErr != nil {
				return nil, fmt.Errorf("parse frequency: %w", convErr)
			}
			entry.Frequency = parsed
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

// HourlyNotificationCounts buckets spot log entries by hour of sent_at.
func (s *Store) HourlyNotificationCounts(ctx context.Context, from, to time.Time) ([]domain.HourlyCount, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, hourlyCountsSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("hourly notification counts: %w", queryErr)
	}
	defer rows.Close()

	counts := make([]domain.HourlyCount, 0)
	for rows.Next() {
		var hc domain.HourlyCount
		if err := rows.Scan(&hc.Hour, &hc.Count); err != nil {
			return nil, err
		}
		hc.Hour = time.Date(hc.Hour.Year(), hc.Hour.Month(), hc.Hour.Day(), hc.Hour.Hour(), 0, 0, 0, time.UTC)
		counts = append(counts, hc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

type txWindow struct {
	tx pgx.Tx
}

func (w *txWindow) HasDuplicate(ctx context.Context, q ratelimit.DuplicateQuery) (bool, error) {
	var exists bool
	err := w.tx.QueryRow(ctx, hasDuplicateSQL,
		q.AlertID,
		q.Source,
		q.SpotID,
		q.Callsign,
		q.Mode,
		q.From,
		q.To,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query duplicate: %w", err)
	}
	return exists, nil
}

func (w *txWindow) LastSent(ctx context.Context, alertID int64) (time.Time, bool, error) {
	var last *time.Time
	if err := w.tx.QueryRow(ctx, lastSentSQL, alertID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("query last sent: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

func (w *txWindow) CountSince(ctx context.Context, ownerID string, since time.Time) (int64, error) {
	var count int64
	if err := w.tx.QueryRow(ctx, countOwnerSinceSQL, ownerID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count notifications: %w", err)
	}
	return count, nil
}

func (w *txWindow) Record(ctx context.Context, entry domain.SpotNotification) (bool, error) {
	var freq interface{}
	if !entry.Frequency.IsZero() {
		freq = entry.Frequency.String()
	}

	var id int64
	err := w.tx.QueryRow(ctx, insertSpotLogSQL,
		entry.AlertID,
		entry.OwnerID,
		entry.SpotID,
		entry.Source,
		entry.Callsign,
		entry.Mode,
		freq,
		entry.SpotTime,
		entry.SentAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert spot log: %w", err)
	}
	return true, nil
}

func collectAlerts(rows pgx.Rows) ([]domain.Alert, error) {
	defer rows.Close()

	alerts := make([]domain.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var alert domain.Alert
	if err := row.Scan(
		&alert.ID,
		&alert.OwnerID,
		&alert.Pattern,
		&alert.IsPrefix,
		&alert.Modes,
		&alert.Source,
		&alert.CreatedAt,
		&alert.ExpiresAt,
		&alert.Active,
	); err != nil {
		return domain.Alert{}, err
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.ExpiresAt = alert.ExpiresAt.UTC()
	return alert, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	selectPrioritySQL = `SELECT priority
    FROM provider_priorities
    WHERE market = $1
      AND lower(adapter) = $2;`

	upsertPrioritySQL = `INSERT INTO provider_priorities (
        market,
        adapter,
        priority
    ) VALUES (
        $1,lower($2),$3
    )
    ON CONFLICT (market, adapter) DO UPDATE
    SET priority   = EXCLUDED.priority,
        updated_at = now();`

	listPrioritiesSQL = `SELECT market, adapter, priority, updated_at
    FROM provider_priorities
    WHERE market = $1
    ORDER BY priority DESC, adapter;`

	insertReportSQL = `INSERT INTO consistency_reports (
        id,
        market,
        trade_date,
        primary_source,
        secondary_source,
        chosen_source,
        confidence,
        action,
        is_consistent,
        rationale,
        report,
        diagnostics
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	reportColumns = `id,
        market,
        trade_date,
        primary_source,
        secondary_source,
        chosen_source,
        confidence::text,
        action,
        is_consistent,
        rationale,
        report,
        diagnostics,
        created_at`

	listRecentReportsSQL = `SELECT ` + reportColumns + `
    FROM consistency_reports
    ORDER BY created_at DESC
    LIMIT $1;`

	listReportsBetweenSQL = `SELECT ` + reportColumns + `
    FROM consistency_reports
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	deleteReportsBeforeSQL = `DELETE FROM consistency_reports WHERE created_at < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        report_id,
        pair_key,
        action,
        confidence,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, report_id, pair_key, action, confidence::text, channels, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        report_id,
        pair_key,
        action,
        confidence::text,
        channels,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriorityStore serves per-market adapter priority overrides.
type PriorityStore interface {
	Priority(ctx context.Context, market, adapter string) (int, bool, error)
	UpsertPriority(ctx context.Context, override PriorityOverride) error
	ListPriorities(ctx context.Context, market string) ([]PriorityOverride, error)
}

// ReportStore persists reconciliation reports.
type ReportStore interface {
	InsertReport(ctx context.Context, report ReportRecord) error
	ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error)
	ListReportsBetween(ctx context.Context, from, to time.Time) ([]ReportRecord, error)
	DeleteReportsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to priorities, reports and alerts.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ PriorityStore  = (*Store)(nil)
	_ ReportStore    = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

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
		// best effort; the session lock dies with the connection anyway
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

// Priority looks up an override. A missing row is reported as ok=false, not an error.
func (s *Store) Priority(ctx context.Context, market, adapter string) (int, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var priority int
	scanErr := pool.QueryRow(ctx, selectPrioritySQL, market, strings.ToLower(adapter)).Scan(&priority)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, fmt.Errorf("select priority: %w", scanErr)
	}
	return priority, true, nil
}

// UpsertPriority stores an override.
func (s *Store) UpsertPriority(ctx context.Context, override PriorityOverride) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertPrioritySQL, override.Market, override.Adapter, override.Priority); execErr != nil {
		return fmt.Errorf("upsert priority: %w", execErr)
	}
	return nil
}

// ListPriorities lists the overrides of one market, highest first.
func (s *Store) ListPriorities(ctx context.Context, market string) ([]PriorityOverride, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPrioritiesSQL, market)
	if queryErr != nil {
		return nil, fmt.Errorf("list priorities: %w", queryErr)
	}
	defer rows.Close()

	out := make([]PriorityOverride, 0)
	for rows.Next() {
		var o PriorityOverride
		if err := rows.Scan(&o.Market, &o.Adapter, &o.Priority, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertReport persists one reconciliation report.
func (s *Store) InsertReport(ctx context.Context, report ReportRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}

	_, execErr := pool.Exec(ctx, insertReportSQL,
		report.ID,
		report.Market,
		report.TradeDate,
		report.PrimarySource,
		report.SecondarySource,
		report.ChosenSource,
		report.Confidence.String(),
		report.Action,
		report.Consistent,
		report.Rationale,
		[]byte(orEmptyJSON(report.Report)),
		[]byte(orEmptyJSON(report.Diagnostics)),
	)
	if execErr != nil {
		return fmt.Errorf("insert report: %w", execErr)
	}
	return nil
}

// ListRecentReports lists the most recent reports, newest first.
func (s *Store) ListRecentReports(ctx context.Context, limit int) ([]ReportRecord, error) {
	return s.queryReports(ctx, "list recent reports", listRecentReportsSQL, limit)
}

// ListReportsBetween lists reports created within [from, to), oldest first.
func (s *Store) ListReportsBetween(ctx context.Context, from, to time.Time) ([]ReportRecord, error) {
	return s.queryReports(ctx, "list reports between", listReportsBetweenSQL, from, to)
}

// DeleteReportsBefore prunes old reports.
func (s *Store) DeleteReportsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete reports before", deleteReportsBeforeSQL, olderThan)
}

func (s *Store) queryReports(ctx context.Context, op, query string, args ...any) ([]ReportRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	reports := make([]ReportRecord, 0)
	for rows.Next() {
		rec, scanErr := scanReport(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		reports = append(reports, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return reports, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ReportID,
		alert.PairKey,
		alert.Action,
		alert.Confidence.String(),
		alert.Channels,
	)
	rec, scanErr := scanAlert(row)
	if scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.deleteBefore(ctx, "delete alerts before", deleteAlertsBeforeSQL, olderThan)
}

func (s *Store) deleteBefore(ctx context.Context, op, query string, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, query, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("%s: %w", op, execErr)
	}
	return tag.RowsAffected(), nil
}

func scanReport(row pgx.Row) (ReportRecord, error) {
	var (
		rec           ReportRecord
		confidenceStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Market,
		&rec.TradeDate,
		&rec.PrimarySource,
		&rec.SecondarySource,
		&rec.ChosenSource,
		&confidenceStr,
		&rec.Action,
		&rec.Consistent,
		&rec.Rationale,
		&rec.Report,
		&rec.Diagnostics,
		&rec.CreatedAt,
	); err != nil {
		return ReportRecord{}, err
	}

	confidence, err := decimal.NewFromString(confidenceStr)
	if err != nil {
		return ReportRecord{}, fmt.Errorf("parse confidence: %w", err)
	}
	rec.Confidence = confidence
	return rec, nil
}

func scanAlert(row pgx.Row) (AlertRecord, error) {
	var (
		rec           AlertRecord
		confidenceStr string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ReportID,
		&rec.PairKey,
		&rec.Action,
		&confidenceStr,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	confidence, err := decimal.NewFromString(confidenceStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse confidence: %w", err)
	}
	rec.Confidence = confidence
	return rec, nil
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"access-service/internal/models"
)

const clickhouseAuditTable = "access_audit"

// clickhouseConn is the part of client.ClickHouseClient the sink needs.
type clickhouseConn interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error)
}

// ClickHouseSink stores events in a MergeTree table and serves the audit
// query endpoint from it.
type ClickHouseSink struct {
	conn clickhouseConn
}

func NewClickHouseSink(conn clickhouseConn) *ClickHouseSink {
	return &ClickHouseSink{conn: conn}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + clickhouseAuditTable + ` (
		id String,
		action LowCardinality(String),
		email String,
		request_id String,
		actor LowCardinality(String),
		access_type LowCardinality(String),
		timestamp DateTime64(3, 'UTC'),
		details Map(String, String)
	) ENGINE = MergeTree
	ORDER BY (email, timestamp)`
	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, event *models.AuditEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	err := s.conn.Exec(ctx,
		`INSERT INTO `+clickhouseAuditTable+` (id, action, email, request_id, actor, access_type, timestamp, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, models.NormalizeEmail(event.Email), event.RequestID,
		event.Actor, event.AccessType, event.Timestamp.UTC(), details,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	query, args := buildAuditQuery(filter)

	rows, err := s.conn.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var (
			e       models.AuditEvent
			ts      time.Time
			details map[string]string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Email, &e.RequestID, &e.Actor, &e.AccessType, &ts, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Timestamp = ts.UTC()
		if len(details) > 0 {
			e.Details = details
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit events: %w", err)
	}
	return out, nil
}

func buildAuditQuery(filter models.AuditFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if email := models.NormalizeEmail(filter.Email); email != "" {
		where = append(where, "email = ?")
		args = append(args, email)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}

	var b strings.Builder
	b.WriteString("SELECT id, action, email, request_id, actor, access_type, timestamp, details FROM ")
	b.WriteString(clickhouseAuditTable)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC LIMIT ?")
	args = append(args, ClampLimit(filter.Limit))

	return b.String(), args
}

// Package sqlite is a single-file Store for deployments that run one
// instance and want durability without a database server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"access-service/internal/models"
	"access-service/internal/repository"
	"access-service/internal/util"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ repository.Store = (*Store)(nil)

// NewStore opens (creating if needed) the database at path and applies the
// schema.
func NewStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite store opened", util.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) CreateRequest(ctx context.Context, req *models.AccessRequest) error {
	_, err := s.db.ExecContext(ctx, stmtInsertRequest,
		req.ID, req.Name, req.Email, req.EmailKey(), req.Reason, string(req.Status),
		accessTypeValue(req.AccessType), nullableTime(req.ExpiresAt), formatTime(req.CreatedAt),
		nullableTime(req.DecidedAt), req.DecidedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert access request: %w", err)
	}
	return nil
}

func (s *Store) GetRequestByID(ctx context.Context, id string) (*models.AccessRequest, error) {
	return s.queryRequest(ctx, stmtGetRequest, id)
}

func (s *Store) FindPendingByEmail(ctx context.Context, emailKey string) (*models.AccessRequest, error) {
	return s.queryRequest(ctx, stmtFindPending, emailKey)
}

// DecideRequest relies on the status guard in the UPDATE; a second decider
// affects no rows.
func (s *Store) DecideRequest(ctx context.Context, id string, decision models.Decision) (*models.AccessRequest, error) {
	res, err := s.db.ExecContext(ctx, stmtDecideRequest,
		string(decision.Status), accessTypeValue(decision.AccessType), nullableTime(decision.ExpiresAt),
		formatTime(decision.DecidedAt), decision.DecidedBy, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide access request: %w", err)
	}
	applied, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to decide access request: %w", err)
	}

	req, err := s.GetRequestByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if applied == 0 {
		return req, repository.ErrAlreadyDecided
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	return s.queryRequests(ctx, stmtListRequests)
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	return s.queryRequests(ctx, stmtListPending)
}

func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, stmtCountPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

func (s *Store) CreateGrant(ctx context.Context, grant *models.AuthorizedUser) error {
	_, err := s.db.ExecContext(ctx, stmtInsertGrant,
		grant.ID, grant.Name, grant.Email, grant.EmailKey(), string(grant.AccessType),
		nullableTime(grant.ExpiresAt), formatTime(grant.ApprovedAt), grant.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func (s *Store) GetGrantsByEmail(ctx context.Context, emailKey string) ([]*models.AuthorizedUser, error) {
	return s.queryGrants(ctx, stmtGrantsByEmail, emailKey)
}

func (s *Store) DeleteGrant(ctx context.Context, emailKey, id string) error {
	res, err := s.db.ExecContext(ctx, stmtDeleteGrant, emailKey, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteGrantsByEmail(ctx context.Context, emailKey string) (int, error) {
	res, err := s.db.ExecContext(ctx, stmtDeleteByEmail, emailKey)
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete grants: %w", err)
	}
	return int(n), nil
}

func (s *Store) ListGrants(ctx context.Context) ([]*models.AuthorizedUser, error) {
	return s.queryGrants(ctx, stmtListGrants)
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite ping failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) queryRequest(ctx context.Context, stmt string, arg string) (*models.AccessRequest, error) {
	req, err := scanRequest(s.db.QueryRowContext(ctx, stmt, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access request: %w", err)
	}
	return req, nil
}

func (s *Store) queryRequests(ctx context.Context, stmt string) ([]*models.AccessRequest, error) {
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	defer rows.Close()

	var out []*models.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan access request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list access requests: %w", err)
	}
	return out, nil
}

func (s *Store) queryGrants(ctx context.Context, stmt string, args ...interface{}) ([]*models.AuthorizedUser, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var out []*models.AuthorizedUser
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	return out, nil
}

func scanRequest(row rowScanner) (*models.AccessRequest, error) {
	var (
		req                            models.AccessRequest
		status, createdAt              string
		accessType, expiresAt, decided sql.NullString
	)
	if err := row.Scan(&req.ID, &req.Name, &req.Email, &req.Reason, &status,
		&accessType, &expiresAt, &createdAt, &decided, &req.DecidedBy); err != nil {
		return nil, err
	}

	var err error
	req.Status = models.RequestStatus(status)
	if accessType.Valid {
		at := models.AccessType(accessType.String)
		req.AccessType = &at
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if req.DecidedAt, err = parseNullTime(decided); err != nil {
		return nil, err
	}
	return &req, nil
}

func scanGrant(row rowScanner) (*models.AuthorizedUser, error) {
	var (
		g                    models.AuthorizedUser
		accessType, approved string
		expiresAt            sql.NullString
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Email, &accessType, &expiresAt, &approved, &g.RequestID); err != nil {
		return nil, err
	}

	var err error
	g.AccessType = models.AccessType(accessType)
	if g.ApprovedAt, err = parseTime(approved); err != nil {
		return nil, err
	}
	if g.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func accessTypeValue(at *models.AccessType) interface{} {
	if at == nil {
		return nil
	}
	return string(*at)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"access-service/internal/audit"
	"access-service/internal/config"
	"access-service/internal/models"
	"access-service/internal/notify"
	"access-service/internal/repository"
	"access-service/internal/util"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrRequestNotFound = fmt.Errorf("request %w", ErrNotFound)
	ErrGrantNotFound   = fmt.Errorf("grant %w", ErrNotFound)
	ErrInvalidInput    = errors.New("invalid input")
)

// Outcome values. These are normal results, not errors.
const (
	StatusSubmitted         = "submitted"
	StatusPending           = "pending"
	StatusAlreadyAuthorized = "already_authorized"
	StatusApproved          = "approved"
	StatusDenied            = "denied"
	StatusAlreadyDecided    = "already_decided"
	StatusRevoked           = "revoked"
)

const (
	maxNameLength   = 200
	maxReasonLength = 1000
)

type SubmitResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// AccessStatus answers "may this email use the application right now".
type AccessStatus struct {
	Authorized       bool              `json:"authorized"`
	AccessType       models.AccessType `json:"access_type,omitempty"`
	IsAdmin          bool              `json:"is_admin,omitempty"`
	RemainingSeconds *int64            `json:"remaining_seconds,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Status           string            `json:"status,omitempty"`
	Message          string            `json:"message,omitempty"`
}

type DecisionResult struct {
	Status  string                `json:"status"`
	Message string                `json:"message"`
	Request *models.AccessRequest `json:"request,omitempty"`
}

type RevokeResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Removed int    `json:"removed"`
}

// WhitelistEntry is one row of the whitelist view: the administrator first,
// then the effective grant of every authorized email.
type WhitelistEntry struct {
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	AccessType models.AccessType `json:"access_type"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	IsAdmin    bool              `json:"is_admin"`
}

type Option func(*AccessService)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *AccessService) { s.now = now }
}

func WithRecorder(r *audit.Recorder) Option {
	return func(s *AccessService) { s.recorder = r }
}

// AccessService is the decision engine. It keeps no state of its own between
// calls; all of it lives in the repositories.
type AccessService struct {
	requests      repository.RequestRepository
	grants        repository.GrantRepository
	notifier      notify.Notifier
	recorder      *audit.Recorder
	adminEmail    string
	adminName     string
	temporaryTTL  time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	logger        *zap.Logger
	notifications sync.WaitGroup
}

func NewAccessService(
	cfg config.AccessConfig,
	requests repository.RequestRepository,
	grants repository.GrantRepository,
	notifier notify.Notifier,
	logger *zap.Logger,
	opts ...Option,
) *AccessService {
	s := &AccessService{
		requests:      requests,
		grants:        grants,
		notifier:      notifier,
		adminEmail:    models.NormalizeEmail(cfg.AdminEmail),
		adminName:     cfg.AdminName,
		temporaryTTL:  cfg.TemporaryAccessTTL,
		notifyTimeout: cfg.NotifyTimeout,
		now:           time.Now,
		logger:        logger,
	}
	if s.temporaryTTL <= 0 {
		s.temporaryTTL = 20 * time.Minute
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = 30 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recorder == nil {
		s.recorder = audit.NewRecorder(s.notifyTimeout)
	}
	return s
}

// IsAdmin compares case-insensitively against the configured administrator.
func (s *AccessService) IsAdmin(email string) bool {
	return s.adminEmail != "" && models.NormalizeEmail(email) == s.adminEmail
}

// SubmitAccessRequest records a request unless the email is already served
// by the admin bypass, a live grant or a pending request.
//
// The grant and pending checks are not atomic with the insert. Two
// simultaneous submissions for one email can both create a request; that is
// accepted, and the first decision wins.
func (s *AccessService) SubmitAccessRequest(ctx context.Context, name, email, reason string) (*SubmitResult, error) {
	if s.IsAdmin(email) {
		return &SubmitResult{Status: StatusAlreadyAuthorized, Message: "Accès admin automatique"}, nil
	}

	name = util.NormalizeText(name, maxNameLength)
	reason = util.NormalizeText(reason, maxReasonLength)
	email, err := validateEmail(email)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if util.ContainsSuspicious(name) {
		return nil, fmt.Errorf("%w: name contains invalid characters", ErrInvalidInput)
	}

	emailKey := models.NormalizeEmail(email)
	now := s.now()

	effective, err := s.effectiveGrant(ctx, emailKey, now)
	if err != nil {
		return nil, err
	}
	if effective != nil {
		return &SubmitResult{Status: StatusAlreadyAuthorized, Message: "Vous avez déjà accès à l'application"}, nil
	}

	if _, err := s.requests.FindPendingByEmail(ctx, emailKey); err == nil {
		return &SubmitResult{Status: StatusPending, Message: "Votre demande est en cours de traitement"}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up pending request: %w", err)
	}

	req := &models.AccessRequest{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     email,
		Reason:    reason,
		Status:    models.RequestStatusPending,
		CreatedAt: now.UTC(),
	}
	if err := s.requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create access request: %w", err)
	}

	s.logger.Info("Access request submitted",
		util.String("request_id", req.ID),
		util.String("email", emailKey),
	)
	s.recorder.Record(models.AuditEvent{
		Action:    models.AuditRequestSubmitted,
		Email:     emailKey,
		RequestID: req.ID,
		Actor:     emailKey,
		Timestamp: now.UTC(),
		Details:   map[string]string{"name": name, "reason": reason},
	})
	s.notifyAsync(notify.AccessRequestNotice{
		RequestID: req.ID,
		Name:      req.Name,
		Email:     req.Email,
		Reason:    req.Reason,
		CreatedAt: req.CreatedAt,
	})

	return &SubmitResult{
		Status:    StatusSubmitted,
		Message:   fmt.Sprintf("Demande envoyée! %s va examiner votre demande.", s.adminName),
		RequestID: req.ID,
	}, nil
}

// notifyAsync dispatches the notice off the caller's path. Failures are
// logged and dropped.
func (s *AccessService) notifyAsync(notice notify.AccessRequestNotice) {
	if s.notifier == nil {
		return
	}
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()

		if err := s.notifier.NotifyAccessRequest(ctx, notice); err != nil {
			s.logger.Warn("Access request notification failed",
				util.String("request_id", notice.RequestID),
				util.ErrorField(err),
			)
		}
	}()
}

// CheckAccess uses only point lookups by email, so it is cheap enough to run
// on every protected request.
func (s *AccessService) CheckAccess(ctx context.Context, email string) (*AccessStatus, error) {
	emailKey := models.NormalizeEmail(email)
	if emailKey == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	if s.IsAdmin(emailKey) {
		return &AccessStatus{Authorized: true, AccessType: models.AccessPermanent, IsAdmin: true}, nil
	}

	now := s.now()
	rows, err := s.grants.GetGrantsByEmail(ctx, emailKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up grants: %w", err)
	}
	effective, stale := models.Effective(rows, now)
	s.reclaim(ctx, stale, now)

	if effective != nil {
		status := &AccessStatus{Authorized: true, AccessType: effective.AccessType}
		if effective.AccessType == models.AccessTemporary {
			remaining := effective.RemainingSeconds(now)
			status.RemainingSeconds = &remaining
			status.ExpiresAt = effective.ExpiresAt
		}
		return status, nil
	}
	if len(stale) > 0 {
		return &AccessStatus{Authorized: false, Message: "Accès expiré"}, nil
	}

	if _, err := s.requests.FindPendingByEmail(ctx, emailKey); err == nil {
		return &AccessStatus{Authorized: false, Status: StatusPending}, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up pending request: %w", err)
	}

	return &AccessStatus{Authorized: false}, nil
}

func (s *AccessService) ApproveRequest(ctx context.Context, requestID, accessType string) (*DecisionResult, error) {
	return s.approve(ctx, requestID, accessType, models.DecidedByAdmin)
}

func (s *AccessService) DenyRequest(ctx context.Context, requestID string) (*DecisionResult, error) {
	return s.deny(ctx, requestID, models.DecidedByAdmin)
}

// QuickApprove is ApproveRequest reached through a capability link.
func (s *AccessService) QuickApprove(ctx context.Context, requestID, accessType string) (*DecisionResult, error) {
	return s.approve(ctx, requestID, accessType, models.DecidedByQuickLink)
}

// QuickDeny is DenyRequest reached through a capability link.
func (s *AccessService) QuickDeny(ctx context.Context, requestID string) (*DecisionResult, error) {
	return s.deny(ctx, requestID, models.DecidedByQuickLink)
}

func (s *AccessService) approve(ctx context.Context, requestID, rawType, actor string) (*DecisionResult, error) {
	accessType, ok := models.ParseAccessType(rawType)
	if !ok {
		return nil, fmt.Errorf("%w: access_type must be permanent or temporary", ErrInvalidInput)
	}

	now := s.now().UTC()
	decision := models.Decision{
		Status:     models.RequestStatusApproved,
		AccessType: &accessType,
		DecidedAt:  now,
		DecidedBy:  actor,
	}
	if accessType == models.AccessTemporary {
		expiresAt := now.Add(s.temporaryTTL)
		decision.ExpiresAt = &expiresAt
	}

	req, result, err := s.decide(ctx, requestID, decision)
	if err != nil || result != nil {
		return result, err
	}

	grant := &models.AuthorizedUser{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Email:      req.Email,
		AccessType: accessType,
		ExpiresAt:  decision.ExpiresAt,
		ApprovedAt: now,
		RequestID:  req.ID,
	}
	if err := s.grants.CreateGrant(ctx, grant); err != nil {
		// The request is already approved; the grant can be restored by a
		// new request or by hand.
		s.logger.Error("Request approved but grant creation failed",
			util.String("request_id", req.ID),
			util.String("email", req.EmailKey()),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("failed to create grant: %w", err)
	}

	s.logger.Info("Access request approved",
		util.String("request_id", req.ID),
		util.String("access_type", string(accessType)),
		util.String("decided_by", actor),
	)
	s.recorder.Record(models.AuditEvent{
		Action:     models.AuditRequestApproved,
		Email:      req.EmailKey(),
		RequestID:  req.ID,
		Actor:      actor,
		AccessType: string(accessType),
		Timestamp:  now,
	})

	return &DecisionResult{
		Status:  StatusApproved,
		Message: fmt.Sprintf("Accès %s accordé", accessType),
		Request: req,
	}, nil
}

func (s *AccessService) deny(ctx context.Context, requestID, actor string) (*DecisionResult, error) {
	now := s.now().UTC()
	req, result, err := s.decide(ctx, requestID, models.Decision{
		Status:    models.RequestStatusDenied,
		DecidedAt: now,
		DecidedBy: actor,
	})
	if err != nil || result != nil {
		return result, err
	}

	s.logger.Info("Access request denied",
		util.String("request_id", req.ID),
		util.String("decided_by", actor),
	)
	s.recorder.Record(models.AuditEvent{
		Action:    models.AuditRequestDenied,
		Email:     req.EmailKey(),
		RequestID: req.ID,
		Actor:     actor,
		Timestamp: now,
	})

	return &DecisionResult{Status: StatusDenied, Message: "Accès refusé", Request: req}, nil
}

// decide applies the transition. A non-nil result means the request was
// already decided and the caller should return it as is.
func (s *AccessService) decide(ctx context.Context, requestID string, decision models.Decision) (*models.AccessRequest, *DecisionResult, error) {
	if strings.TrimSpace(requestID) == "" {
		return nil, nil, ErrRequestNotFound
	}

	req, err := s.requests.DecideRequest(ctx, requestID, decision)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil, ErrRequestNotFound
	case errors.Is(err, repository.ErrAlreadyDecided):
		return nil, &DecisionResult{
			Status:  StatusAlreadyDecided,
			Message: "Demande déjà traitée",
			Request: req,
		}, nil
	case err != nil:
		return nil, nil, fmt.Errorf("failed to decide request: %w", err)
	}
	return req, nil, nil
}

func (s *AccessService) ListRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	requests, err := s.requests.ListRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	return requests, nil
}

func (s *AccessService) ListPendingRequests(ctx context.Context) ([]*models.AccessRequest, error) {
	requests, err := s.requests.ListPendingRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	return requests, nil
}

func (s *AccessService) CountPending(ctx context.Context) (int, error) {
	n, err := s.requests.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

// ListAuthorizedUsers removes expired grants, then returns what is left.
func (s *AccessService) ListAuthorizedUsers(ctx context.Context) ([]*models.AuthorizedUser, error) {
	rows, err := s.grants.ListGrants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}

	now := s.now()
	active := make([]*models.AuthorizedUser, 0, len(rows))
	var stale []*models.AuthorizedUser
	for _, g := range rows {
		if g.IsActive(now) {
			active = append(active, g)
		} else {
			stale = append(stale, g)
		}
	}
	s.reclaim(ctx, stale, now)
	return active, nil
}

// SweepExpiredGrants deletes every grant that is no longer active and
// reports how many were removed.
func (s *AccessService) SweepExpiredGrants(ctx context.Context) (int, error) {
	rows, err := s.grants.ListGrants(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list grants: %w", err)
	}

	now := s.now()
	var stale []*models.AuthorizedUser
	for _, g := range rows {
		if !g.IsActive(now) {
			stale = append(stale, g)
		}
	}
	return s.reclaim(ctx, stale, now), nil
}

// Whitelist lists the administrator followed by one effective grant per email.
func (s *AccessService) Whitelist(ctx context.Context) ([]WhitelistEntry, error) {
	active, err := s.ListAuthorizedUsers(ctx)
	if err != nil {
		return nil, err
	}

	entries := []WhitelistEntry{{
		Name:       s.adminName,
		Email:      s.adminEmail,
		AccessType: models.AccessPermanent,
		IsAdmin:    true,
	}}

	byEmail := make(map[string][]*models.AuthorizedUser)
	var order []string
	for _, g := range active {
		key := g.EmailKey()
		if key == s.adminEmail {
			continue
		}
		if _, seen := byEmail[key]; !seen {
			order = append(order, key)
		}
		byEmail[key] = append(byEmail[key], g)
	}

	now := s.now()
	for _, key := range order {
		effective, _ := models.Effective(byEmail[key], now)
		if effective == nil {
			continue
		}
		entries = append(entries, WhitelistEntry{
			Name:       effective.Name,
			Email:      effective.Email,
			AccessType: effective.AccessType,
			ExpiresAt:  effective.ExpiresAt,
		})
	}
	return entries, nil
}

// RevokeAccess deletes every grant of the email.
func (s *AccessService) RevokeAccess(ctx context.Context, email string) (*RevokeResult, error) {
	emailKey := models.NormalizeEmail(email)
	if emailKey == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	n, err := s.grants.DeleteGrantsByEmail(ctx, emailKey)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke access: %w", err)
	}
	if n == 0 {
		return nil, ErrGrantNotFound
	}

	s.logger.Info("Access revoked",
		util.String("email", emailKey),
		util.Int("grants_removed", n),
	)
	s.recorder.Record(models.AuditEvent{
		Action:    models.AuditGrantRevoked,
		Email:     emailKey,
		Actor:     models.DecidedByAdmin,
		Timestamp: s.now().UTC(),
		Details:   map[string]string{"grants_removed": fmt.Sprint(n)},
	})

	return &RevokeResult{Status: StatusRevoked, Message: "Accès révoqué", Removed: n}, nil
}

func (s *AccessService) effectiveGrant(ctx context.Context, emailKey string, now time.Time) (*models.AuthorizedUser, error) {
	rows, err := s.grants.GetGrantsByEmail(ctx, emailKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up grants: %w", err)
	}
	effective, stale := models.Effective(rows, now)
	s.reclaim(ctx, stale, now)
	return effective, nil
}

// reclaim deletes grants found inactive on read. A failed delete is logged;
// the row stays inactive and is retried on the next read.
func (s *AccessService) reclaim(ctx context.Context, stale []*models.AuthorizedUser, now time.Time) int {
	removed := 0
	for _, g := range stale {
		err := s.grants.DeleteGrant(ctx, g.EmailKey(), g.ID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("Failed to reclaim expired grant",
				util.String("grant_id", g.ID),
				util.String("email", g.EmailKey()),
				util.ErrorField(err),
			)
			continue
		}
		removed++

		s.recorder.Record(models.AuditEvent{
			Action:     models.AuditGrantExpired,
			Email:      g.EmailKey(),
			RequestID:  g.RequestID,
			Actor:      "system",
			AccessType: string(g.AccessType),
			Timestamp:  now.UTC(),
		})
	}
	if removed > 0 {
		s.logger.Debug("Expired grants reclaimed", util.Int("count", removed))
	}
	return removed
}

// Wait blocks until in-flight notifications and audit writes finish.
func (s *AccessService) Wait() {
	s.notifications.Wait()
	s.recorder.Wait()
}

// Cleanup drains background work before shutdown.
func (s *AccessService) Cleanup() {
	s.Wait()
}

func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 254 {
		return "", fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return email, nil
}

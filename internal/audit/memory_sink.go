package audit

import (
	"context"
	"strings"
	"sync"

	"access-service/internal/models"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// MemorySink keeps the most recent events in a ring so the audit endpoint
// works without ClickHouse.
type MemorySink struct {
	mu       sync.RWMutex
	events   []*models.AuditEvent
	next     int
	full     bool
	capacity int
}

func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = MaxQueryLimit
	}
	return &MemorySink{events: make([]*models.AuditEvent, capacity), capacity: capacity}
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, event *models.AuditEvent) error {
	stored := *event
	stored.Details = copyDetails(event.Details)

	s.mu.Lock()
	s.events[s.next] = &stored
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Query(_ context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	limit := ClampLimit(filter.Limit)
	email := models.NormalizeEmail(filter.Email)

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = s.capacity
	}

	var out []*models.AuditEvent
	for i := 1; i <= size && len(out) < limit; i++ {
		e := s.events[(s.next-i+s.capacity)%s.capacity]
		if email != "" && !strings.EqualFold(e.Email, email) {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		copied := *e
		copied.Details = copyDetails(e.Details)
		out = append(out, &copied)
	}
	return out, nil
}

// ClampLimit applies the default and the maximum to a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	if limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

func copyDetails(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

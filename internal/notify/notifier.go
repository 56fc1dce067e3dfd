package notify

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AccessRequestNotice is what the administrator is told about a new request.
type AccessRequestNotice struct {
	RequestID string
	Name      string
	Email     string
	Reason    string
	CreatedAt time.Time
}

// Notifier delivers new-request notices to the administrator.
type Notifier interface {
	NotifyAccessRequest(ctx context.Context, notice AccessRequestNotice) error
}

// DecisionLinks are the capability URLs embedded in a notice. Anyone holding
// one can decide the request.
type DecisionLinks struct {
	Permanent string
	Temporary string
	Deny      string
}

// BuildDecisionLinks derives the three links from the API base URL, e.g.
// https://gate.example.com/api.
func BuildDecisionLinks(apiBaseURL, requestID string) DecisionLinks {
	base := strings.TrimRight(apiBaseURL, "/")
	id := url.PathEscape(requestID)
	return DecisionLinks{
		Permanent: base + "/access/quick-approve/" + id + "/permanent",
		Temporary: base + "/access/quick-approve/" + id + "/temporary",
		Deny:      base + "/access/quick-deny/" + id,
	}
}

// LogNotifier writes the notice and its links to the log. It is used when
// SMTP is not configured.
type LogNotifier struct {
	logger     *zap.Logger
	apiBaseURL string
}

func NewLogNotifier(logger *zap.Logger, apiBaseURL string) *LogNotifier {
	return &LogNotifier{logger: logger, apiBaseURL: apiBaseURL}
}

func (n *LogNotifier) NotifyAccessRequest(_ context.Context, notice AccessRequestNotice) error {
	links := BuildDecisionLinks(n.apiBaseURL, notice.RequestID)
	n.logger.Warn("SMTP not configured, access request notice logged only",
		zap.String("request_id", notice.RequestID),
		zap.String("name", notice.Name),
		zap.String("email", notice.Email),
		zap.String("approve_permanent", links.Permanent),
		zap.String("approve_temporary", links.Temporary),
		zap.String("deny", links.Deny),
	)
	return nil
}

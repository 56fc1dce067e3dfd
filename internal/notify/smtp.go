package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	_ "embed"
	"fmt"
	"html/template"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"access-service/internal/config"
	"access-service/internal/util"
)

//go:embed templates/access_request.html
var accessRequestHTML string

var accessRequestTemplate = template.Must(template.New("access_request").Parse(accessRequestHTML))

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPNotifier emails the administrator an HTML notice with the decision links.
type SMTPNotifier struct {
	sender       mailSender
	from         string
	to           string
	adminName    string
	apiBaseURL   string
	temporaryTTL time.Duration
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	smtpConfig := cfg.SMTP

	dialer := gomail.NewDialer(smtpConfig.Host, smtpConfig.Port, smtpConfig.Username, smtpConfig.Password)
	dialer.SSL = smtpConfig.UseSSL
	dialer.TLSConfig = smtpTLSConfig(smtpConfig)

	return newSMTPNotifier(dialer, cfg)
}

// smtpTLSConfig verifies the server certificate unless SMTP_INSECURE_SKIP_VERIFY
// is set explicitly.
func smtpTLSConfig(smtpConfig config.SMTPConfig) *tls.Config {
	return &tls.Config{
		ServerName:         smtpConfig.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: smtpConfig.InsecureSkipVerify,
	}
}

func newSMTPNotifier(sender mailSender, cfg *config.Config) *SMTPNotifier {
	return &SMTPNotifier{
		sender:       sender,
		from:         cfg.SMTP.From,
		to:           cfg.Access.AdminEmail,
		adminName:    cfg.Access.AdminName,
		apiBaseURL:   cfg.Server.PublicURL + "/api",
		temporaryTTL: cfg.Access.TemporaryAccessTTL,
	}
}

type accessRequestView struct {
	AdminName      string
	Name           string
	Email          string
	Reason         string
	Links          DecisionLinks
	TemporaryLabel string
}

func (n *SMTPNotifier) render(notice AccessRequestNotice) (string, error) {
	reason := notice.Reason
	if reason == "" {
		reason = "Non spécifié"
	}

	var buf bytes.Buffer
	err := accessRequestTemplate.Execute(&buf, accessRequestView{
		AdminName:      n.adminName,
		Name:           notice.Name,
		Email:          notice.Email,
		Reason:         reason,
		Links:          BuildDecisionLinks(n.apiBaseURL, notice.RequestID),
		TemporaryLabel: durationLabel(n.temporaryTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render notification: %w", err)
	}
	return buf.String(), nil
}

func (n *SMTPNotifier) NotifyAccessRequest(ctx context.Context, notice AccessRequestNotice) error {
	body, err := n.render(notice)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to)
	m.SetHeader("Subject", fmt.Sprintf("🔔 Nouvelle demande d'accès de %s", notice.Name))
	m.SetBody("text/html", body)

	// gomail has no context support; the send is abandoned, not cancelled,
	// when ctx ends first.
	done := make(chan error, 1)
	go func() { done <- n.sender.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send notification email: %w", err)
		}
		util.Info("Access request notification sent",
			zap.String("request_id", notice.RequestID),
			zap.String("to", n.to))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification email timed out: %w", ctx.Err())
	}
}

func durationLabel(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%time.Hour == 0:
		return fmt.Sprintf("%d HEURE(S)", int(d/time.Hour))
	case d%time.Minute == 0:
		return fmt.Sprintf("%d MINUTES", int(d/time.Minute))
	default:
		return d.String()
	}
}

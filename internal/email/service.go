// Package email alerts the moderation inbox over SMTP when a report is filed.
package email

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// AlertTo receives report alerts.
	AlertTo []string
}

type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured reports whether alerts can be delivered.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && len(s.config.AlertTo) > 0
}

// ReportAlert is what the inbox learns about a report. Message text is left
// out; moderators read it in the audited thread view.
type ReportAlert struct {
	ReportID         string
	ReasonCode       string
	ReportedByHandle string
	ThreadID         string
	MessageID        string
	FiledAt          time.Time
}

func (s *Service) SendReportAlert(alert ReportAlert) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	body, err := renderTemplate(reportAlertTemplate, alert)
	if err != nil {
		return fmt.Errorf("render report alert: %w", err)
	}
	subject := fmt.Sprintf("[Parley] New report: %s", alert.ReasonCode)
	return s.send(s.config.AlertTo, subject, body)
}

func (s *Service) send(to []string, subject, body string) error {
	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.config.From,
		sanitizeHeader(subject),
		body,
	))
	return s.sendMail(s.server, s.auth, s.config.From, to, msg)
}

// sanitizeHeader drops line breaks so user-supplied values cannot add headers.
func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportAlertTemplate = `A new report was filed and is waiting for review.

Report:      {{.ReportID}}
Reason:      {{.ReasonCode}}
Reported by: {{.ReportedByHandle}}
{{- if .ThreadID}}
Thread:      {{.ThreadID}}{{end}}
{{- if .MessageID}}
Message:     {{.MessageID}}{{end}}
Filed at:    {{.FiledAt.UTC.Format "2006-01-02 15:04 MST"}}

Open the moderation queue to resolve it.
`

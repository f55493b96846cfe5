// Package notify tells approvers that a ticket is waiting for them.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"sqlgate/internal/ticket"
)

// SMTPConfig holds SMTP settings. Email is disabled unless Host, Port and
// From are set.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends a plain text message per new ticket to a fixed approver list.
type Email struct {
	config     SMTPConfig
	recipients []string
	ticketURL  string
	server     string
	auth       smtp.Auth
	send       sendFunc
}

// NewEmail builds the notifier. ticketURL is a printf pattern taking the
// ticket id, e.g. "https://ops.example/tickets/%s"; empty omits the link.
func NewEmail(config SMTPConfig, recipients []string, ticketURL string) *Email {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Email{
		config:     config,
		recipients: recipients,
		ticketURL:  ticketURL,
		server:     config.Host + ":" + config.Port,
		auth:       auth,
		send:       smtp.SendMail,
	}
}

func (e *Email) IsConfigured() bool {
	return e.config.Host != "" && e.config.Port != "" && e.config.From != "" && len(e.recipients) > 0
}

// TicketCreated mails the approvers. smtp.SendMail has no context, so ctx is
// only checked before sending.
func (e *Email) TicketCreated(ctx context.Context, t ticket.Ticket) error {
	if !e.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := renderTicket(t, e.link(t.ID))
	if err != nil {
		return fmt.Errorf("render ticket email: %w", err)
	}
	subject := fmt.Sprintf("[%s] approval needed: %s on %s", t.Assessment.Level, t.Statement.Kind, strings.Join(t.Statement.Tables, ", "))
	return e.send(e.server, e.auth, e.config.From, e.recipients, e.message(subject, body))
}

func (e *Email) link(id string) string {
	if e.ticketURL == "" {
		return ""
	}
	return fmt.Sprintf(e.ticketURL, id)
}

func (e *Email) message(subject, body string) []byte {
	from := e.config.From
	if e.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", e.config.FromName, e.config.From)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.recipients, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerValue(subject))
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	msg.WriteString(body)
	return msg.Bytes()
}

// headerValue folds line breaks so a value cannot start a new header.
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}

type ticketEmailData struct {
	Ticket    ticket.Ticket
	Link      string
	ExpiresAt string
}

var ticketEmailTemplate = template.Must(template.New("ticket").Parse(`A statement is waiting for your decision.

Ticket:    {{.Ticket.ID}}
Risk:      {{.Ticket.Assessment.Level}} (score {{.Ticket.Assessment.Score}})
Rows:      {{.Ticket.Estimate.EstimatedRows}} ({{.Ticket.Estimate.Method}}, {{.Ticket.Estimate.Confidence}} confidence)
Expires:   {{.ExpiresAt}}
{{- if .Ticket.RequestedBy}}
Requested: {{.Ticket.RequestedBy}}
{{- end}}

Statement:
    {{.Ticket.Statement.SQL}}

Risk factors:
{{- range .Ticket.Assessment.Factors}}
  - {{.}}
{{- end}}
{{- with .Ticket.Recommendation}}

Justification: {{.ApprovalJustification}}
Rollback:      {{.RollbackStrategy}}
{{- end}}
{{- if .Link}}

Review: {{.Link}}
{{- end}}
`))

func renderTicket(t ticket.Ticket, link string) (string, error) {
	var buf bytes.Buffer
	err := ticketEmailTemplate.Execute(&buf, ticketEmailData{
		Ticket:    t,
		Link:      link,
		ExpiresAt: t.ExpiresAt.UTC().Format(time.RFC1123),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

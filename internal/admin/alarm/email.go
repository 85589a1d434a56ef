package alarm

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Mailer sends one rendered message. Split out so the channel can be
// tested without an SMTP server.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, htmlBody string) error
}

// SMTPMailer delivers through a plain-auth SMTP endpoint.
type SMTPMailer struct {
	Addr     string // host:port
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(_ context.Context, to []string, subject, htmlBody string) error {
	host := m.Addr
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(htmlBody)

	return smtp.SendMail(m.Addr, auth, m.From, to, msg.Bytes())
}

var emailTemplate = template.Must(template.New("alarm").Parse(`<h3>Job execution alarm</h3>
<table border="1" cellpadding="4">
  <tr><td>Group</td><td>{{.GroupTitle}}</td></tr>
  <tr><td>Job</td><td>{{.JobID}} - {{.JobName}}</td></tr>
  <tr><td>Log ID</td><td>{{.LogID}}</td></tr>
  <tr><td>Detail</td><td>{{.Content}}</td></tr>
</table>`))

// EmailChannel renders an HTML alarm and hands it to the mailer.
type EmailChannel struct {
	mailer Mailer
	to     []string
}

func NewEmailChannel(mailer Mailer, to []string) *EmailChannel {
	return &EmailChannel{mailer: mailer, to: to}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Notify(ctx context.Context, info Info) error {
	if len(e.to) == 0 {
		return nil
	}
	var body bytes.Buffer
	err := emailTemplate.Execute(&body, struct {
		GroupTitle string
		JobID      int
		JobName    string
		LogID      int64
		Content    string
	}{
		GroupTitle: info.Group.Title,
		JobID:      info.Job.ID,
		JobName:    info.Job.Name,
		LogID:      info.Log.ID,
		Content:    info.Content(),
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("job alarm: %s (job %d)", info.Job.Name, info.Job.ID)
	return e.mailer.Send(ctx, e.to, subject, body.String())
}

// Package notify delivers intake summaries to firm staff by email.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"text/template"
	"time"

	"intake-assistant/pkg"
)

// ErrNoRecipients is returned when an email has nobody to go to.
var ErrNoRecipients = errors.New("notify: no recipients")

// IntakeEmail is everything needed to render one intake notification.
type IntakeEmail struct {
	To           []string
	FirmName     string
	CallID       string
	FromNumber   string
	RecordingURL string
	Summary      *pkg.SummaryData
	Intake       pkg.IntakeData
	Transcript   string
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends intake emails through an SMTP relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send sendFunc
	now  func() time.Time
}

// NewSMTPSender creates a sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("notify: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

// SendIntake renders and sends the notification.
func (s *SMTPSender) SendIntake(ctx context.Context, e IntakeEmail) error {
	if len(e.To) == 0 {
		return ErrNoRecipients
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := s.compose(e)
	if err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, e.To, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) compose(e IntakeEmail) ([]byte, error) {
	subject := Subject(e)
	text, html, err := Render(e)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var out bytes.Buffer
	headers := [][2]string{
		{"From", s.cfg.From},
		{"To", strings.Join(e.To, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	for _, h := range headers {
		fmt.Fprintf(&out, "%s: %s\r\n", h[0], h[1])
	}
	out.WriteString("\r\n")

	for _, part := range []struct{ ctype, body string }{
		{"text/plain; charset=utf-8", text},
		{"text/html; charset=utf-8", html},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.ctype}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

// Subject builds the subject line.  Urgent and emergency calls are prefixed
// so they stand out in an inbox.
func Subject(e IntakeEmail) string {
	title := "New intake call"
	urgency := pkg.UrgencyNormal
	if e.Summary != nil {
		if e.Summary.Title != "" {
			title = e.Summary.Title
		}
		urgency = e.Summary.UrgencyLevel
	}
	switch urgency {
	case pkg.UrgencyEmergencyRedirected:
		return "[EMERGENCY] " + title
	case pkg.UrgencyHigh:
		return "[URGENT] " + title
	default:
		return title
	}
}

type view struct {
	IntakeEmail
	Name     string
	Phone    string
	Email    string
	Reason   string
	Summary  pkg.SummaryData
	Facts    []fact
	Urgency  string
	HasTrans bool
}

type fact struct{ Label, Value string }

func newView(e IntakeEmail) view {
	v := view{
		IntakeEmail: e,
		Name:        pkg.Value(e.Intake.FullName, "Unknown"),
		Phone:       pkg.Value(e.Intake.CallbackNumber, e.FromNumber),
		Email:       pkg.Value(e.Intake.Email, ""),
		Reason:      pkg.Value(e.Intake.ReasonForCall, "Not specified"),
		HasTrans:    strings.TrimSpace(e.Transcript) != "",
	}
	if e.Summary != nil {
		v.Summary = *e.Summary
	}
	v.Urgency = string(pkg.MaxUrgency(v.Summary.UrgencyLevel, ""))
	kf := v.Summary.KeyFacts
	for _, f := range []fact{
		{"Incident date", pkg.Value(kf.IncidentDate, "")},
		{"Location", pkg.Value(kf.Location, "")},
		{"Injuries", pkg.Value(kf.Injuries, "")},
		{"Treatment", pkg.Value(kf.Treatment, "")},
		{"Insurance", pkg.Value(kf.Insurance, "")},
	} {
		if f.Value != "" {
			v.Facts = append(v.Facts, f)
		}
	}
	return v
}

var textTmpl = template.Must(template.New("text").Parse(`{{.Summary.Title}}
Firm: {{.FirmName}}
Urgency: {{.Urgency}}

Caller: {{.Name}}
Phone: {{.Phone}}
{{- if .Email}}
Email: {{.Email}}
{{- end}}
Reason: {{.Reason}}

Summary:
{{range .Summary.SummaryBullets}}- {{.}}
{{end}}
{{- if .Facts}}
Key facts:
{{range .Facts}}- {{.Label}}: {{.Value}}
{{end}}
{{- end}}
{{- if .Summary.ActionItems}}
Action items:
{{range .Summary.ActionItems}}- {{.}}
{{end}}
{{- end}}
Follow-up: {{.Summary.FollowUpRecommendation}}
{{- if .RecordingURL}}
Recording: {{.RecordingURL}}
{{- end}}
{{- if .HasTrans}}

Transcript:
{{.Transcript}}
{{- end}}
`))

var htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Summary.Title}}</h2>
<p><strong>Firm:</strong> {{.FirmName}}<br><strong>Urgency:</strong> {{.Urgency}}</p>
<p><strong>Caller:</strong> {{.Name}}<br><strong>Phone:</strong> {{.Phone}}
{{- if .Email}}<br><strong>Email:</strong> {{.Email}}{{end}}
<br><strong>Reason:</strong> {{.Reason}}</p>
<h3>Summary</h3>
<ul>{{range .Summary.SummaryBullets}}<li>{{.}}</li>{{end}}</ul>
{{- if .Facts}}
<h3>Key facts</h3>
<ul>{{range .Facts}}<li><strong>{{.Label}}:</strong> {{.Value}}</li>{{end}}</ul>
{{- end}}
{{- if .Summary.ActionItems}}
<h3>Action items</h3>
<ul>{{range .Summary.ActionItems}}<li>{{.}}</li>{{end}}</ul>
{{- end}}
<p><strong>Follow-up:</strong> {{.Summary.FollowUpRecommendation}}</p>
{{- if .RecordingURL}}
<p><a href="{{.RecordingURL}}">Listen to the recording</a></p>
{{- end}}
{{- if .HasTrans}}
<h3>Transcript</h3>
<pre style="white-space:pre-wrap">{{.Transcript}}</pre>
{{- end}}
</body></html>
`))

// Render produces the plain-text and HTML bodies.
func Render(e IntakeEmail) (text, html string, err error) {
	v := newView(e)
	var tb, hb bytes.Buffer
	if err := textTmpl.Execute(&tb, v); err != nil {
		return "", "", fmt.Errorf("render text: %w", err)
	}
	if err := htmlTmpl.Execute(&hb, v); err != nil {
		return "", "", fmt.Errorf("render html: %w", err)
	}
	return tb.String(), hb.String(), nil
}

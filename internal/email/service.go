// Package email sends account and notification mail over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured reports whether enough SMTP settings exist to deliver mail.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
}

// SendHTML sends htmlBody with textBody as the plain alternative.
func (s *Service) SendHTML(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients")
	}
	msg := buildMessage(s.fromHeader(), to, subject, textBody, htmlBody)
	return s.send(s.server, s.auth, s.config.From, to, msg)
}

const boundary = "formcraft-alt-boundary"

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

type VerificationData struct {
	AppName         string
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	AppName  string
	UserName string
	ResetURL string
}

type SubmissionData struct {
	AppName      string
	FormName     string
	SubmittedAt  string
	Type         string
	Fields       []SubmissionLine
	DashboardURL string
}

type SubmissionLine struct {
	Label string
	Value string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	data := VerificationData{AppName: "Formcraft", UserName: userName, VerificationURL: verificationURL}
	html, err := render("verification", data)
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	text := fmt.Sprintf("Welcome, %s! Verify your email address: %s", userName, verificationURL)
	return s.SendHTML([]string{to}, "Verify your Formcraft account", text, html)
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	data := PasswordResetData{AppName: "Formcraft", UserName: userName, ResetURL: resetURL}
	html, err := render("reset", data)
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	text := fmt.Sprintf("Hi %s, reset your password here: %s (expires in 1 hour)", userName, resetURL)
	return s.SendHTML([]string{to}, "Reset your Formcraft password", text, html)
}

// SendSubmissionNotification tells a form owner about a new response.
func (s *Service) SendSubmissionNotification(to string, data SubmissionData) error {
	data.AppName = "Formcraft"
	html, err := render("submission", data)
	if err != nil {
		return fmt.Errorf("render submission template: %w", err)
	}
	var text strings.Builder
	fmt.Fprintf(&text, "New %s response to %s at %s\n", data.Type, data.FormName, data.SubmittedAt)
	for _, line := range data.Fields {
		fmt.Fprintf(&text, "%s: %s\n", line.Label, line.Value)
	}
	if data.DashboardURL != "" {
		fmt.Fprintf(&text, "\nView all responses: %s\n", data.DashboardURL)
	}
	return s.SendHTML([]string{to}, "New response: "+data.FormName, text.String(), html)
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #5b4bdb; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #5b4bdb; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #5b4bdb; }`

var templates = template.Must(template.New("email").Parse(`
{{define "verification"}}<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Verify your {{.AppName}} account</title><style>` + layoutStyle + `</style></head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Confirm your email address to start publishing forms.</p>
    <p><a href="{{.VerificationURL}}" class="button">Verify Email Address</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.VerificationURL}}</p>
    <p>This verification link will expire in 24 hours.</p>
    <div class="footer"><p>If you didn't create an account with {{.AppName}}, you can ignore this email.</p></div>
</body>
</html>{{end}}
{{define "reset"}}<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Reset your {{.AppName}} password</title><style>` + layoutStyle + `</style></head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>Password Reset Request</h2>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your password.</p>
    <p><a href="{{.ResetURL}}" class="button">Reset Password</a></p>
    <p class="link">{{.ResetURL}}</p>
    <p><strong>Important:</strong> This reset link will expire in 1 hour.</p>
    <div class="footer"><p>If you didn't request a password reset, your password will remain unchanged.</p></div>
</body>
</html>{{end}}
{{define "submission"}}<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>New response to {{.FormName}}</title><style>` + layoutStyle + `</style></head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>New {{.Type}} response to {{.FormName}}</h2>
    <p>Submitted {{.SubmittedAt}}</p>
    <table>
    {{range .Fields}}<tr><th align="left">{{.Label}}</th><td>{{.Value}}</td></tr>
    {{end}}</table>
    {{if .DashboardURL}}<p><a href="{{.DashboardURL}}" class="button">View responses</a></p>{{end}}
</body>
</html>{{end}}
`))

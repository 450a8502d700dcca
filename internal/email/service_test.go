package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

type captured struct {
	addr string
	from string
	to   []string
	msg  string
}

func captureService(cfg Config) (*Service, *captured) {
	svc := NewService(cfg)
	got := &captured{}
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		got.addr = addr
		got.from = from
		got.to = to
		got.msg = string(msg)
		return nil
	}
	return svc, got
}

func configured() Config {
	return Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "Formcraft"}
}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: configured(), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewService(tt.config).IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSendWithoutConfig(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendVerificationEmail("a@example.com", "Ada", "https://x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendVerificationEmail(t *testing.T) {
	svc, got := captureService(configured())
	if err := svc.SendVerificationEmail("ada@example.com", "Ada", "https://app.local/verify?token=abc123"); err != nil {
		t.Fatalf("SendVerificationEmail() error = %v", err)
	}
	if got.addr != "smtp.example.com:587" || got.from != "noreply@example.com" {
		t.Fatalf("unexpected envelope %+v", got)
	}
	if len(got.to) != 1 || got.to[0] != "ada@example.com" {
		t.Fatalf("unexpected recipients %v", got.to)
	}
	for _, want := range []string{
		"From: Formcraft <noreply@example.com>",
		"Subject: Verify your Formcraft account",
		"multipart/alternative",
		"Welcome, Ada!",
		"https://app.local/verify?token=abc123",
	} {
		if !strings.Contains(got.msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendPasswordResetEmail(t *testing.T) {
	svc, got := captureService(configured())
	if err := svc.SendPasswordResetEmail("ada@example.com", "Ada", "https://app.local/reset?token=xyz"); err != nil {
		t.Fatalf("SendPasswordResetEmail() error = %v", err)
	}
	if !strings.Contains(got.msg, "Reset your Formcraft password") || !strings.Contains(got.msg, "1 hour") {
		t.Fatalf("unexpected message:\n%s", got.msg)
	}
}

func TestSubmissionNotificationEscapesValues(t *testing.T) {
	svc, got := captureService(configured())
	err := svc.SendSubmissionNotification("owner@example.com", SubmissionData{
		FormName:    "Feedback",
		SubmittedAt: "2026-01-02 10:00 UTC",
		Type:        "traditional",
		Fields: []SubmissionLine{
			{Label: "Comment", Value: "<script>alert(1)</script>"},
		},
	})
	if err != nil {
		t.Fatalf("SendSubmissionNotification() error = %v", err)
	}
	if !strings.Contains(got.msg, "Subject: New response: Feedback") {
		t.Fatalf("missing subject:\n%s", got.msg)
	}
	if strings.Contains(got.msg, "<td><script>") {
		t.Fatal("html values must be escaped")
	}
	if !strings.Contains(got.msg, "Comment: <script>alert(1)</script>") {
		t.Fatal("plain text part should carry the raw value")
	}
}

func TestSubjectHeaderInjection(t *testing.T) {
	msg := string(buildMessage("a@example.com", []string{"b@example.com"}, "hi\r\nBcc: evil@example.com", "t", "h"))
	if strings.Contains(msg, "\r\nBcc:") {
		t.Fatal("subject must not inject headers")
	}
}

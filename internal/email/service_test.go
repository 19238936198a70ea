package email

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	full := Config{Host: "smtp.example.edu", Port: "587", From: "parley@example.edu", AlertTo: []string{"mods@example.edu"}}
	tests := []struct {
		name     string
		mutate   func(*Config)
		expected bool
	}{
		{name: "fully configured", mutate: func(*Config) {}, expected: true},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }},
		{name: "missing port", mutate: func(c *Config) { c.Port = "" }},
		{name: "missing from", mutate: func(c *Config) { c.From = "" }},
		{name: "no recipients", mutate: func(c *Config) { c.AlertTo = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.mutate(&cfg)
			if got := NewService(cfg).IsConfigured(); got != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSendReportAlert(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.edu", Port: "587", From: "parley@example.edu", AlertTo: []string{"mods@example.edu"}})
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := svc.SendReportAlert(ReportAlert{
		ReportID:         "rpt_1",
		ReasonCode:       "abuse\r\nBcc: someone@evil.test",
		ReportedByHandle: "Seeker1234",
		ThreadID:         "thr_1",
		FiledAt:          time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.edu:587" || len(gotTo) != 1 || gotTo[0] != "mods@example.edu" {
		t.Fatalf("unexpected envelope: %s %v", gotAddr, gotTo)
	}
	for _, want := range []string{"Report:      rpt_1", "Seeker1234", "Thread:      thr_1", "2026-03-01 09:30 UTC"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q:\n%s", want, gotMsg)
		}
	}
	if strings.Contains(gotMsg, "Message:") {
		t.Error("message line should be omitted without a message id")
	}
	headers, _, _ := strings.Cut(gotMsg, "\r\n\r\n")
	if strings.Contains(headers, "\r\nBcc:") {
		t.Error("subject must not inject headers")
	}
}

func TestSendReportAlertUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	svc.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("should not be called")
	}
	if err := svc.SendReportAlert(ReportAlert{ReportID: "rpt_1"}); err == nil {
		t.Fatal("expected error when unconfigured")
	}
}

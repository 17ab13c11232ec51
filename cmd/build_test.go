package cmd

import (
	"testing"
	"time"

	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/mailer"
)

func testConfig() *config.Config {
	cfg := config.NewDefault()
	cfg.Location = "Store 7"
	cfg.Normalize()
	return cfg
}

func TestParseDateFlag(t *testing.T) {
	cfg := testConfig()

	d, err := parseDateFlag(cfg, "2026-03-01")
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	if d.Year() != 2026 || d.Month() != time.March || d.Day() != 1 {
		t.Fatalf("unexpected date %v", d)
	}

	if d, err := parseDateFlag(cfg, ""); err != nil || !d.IsZero() {
		t.Fatalf("empty date should stay zero, got %v err %v", d, err)
	}
	if _, err := parseDateFlag(cfg, "03/01/2026"); err == nil {
		t.Fatal("expected error for slashed date")
	}
}

func TestNewSenderDrivers(t *testing.T) {
	cfg := testConfig()

	cfg.Mail.Driver = "sendgrid"
	s, err := newSender(cfg)
	if err != nil {
		t.Fatalf("sendgrid: %v", err)
	}
	if _, ok := s.(*mailer.SendGrid); !ok {
		t.Fatalf("expected SendGrid sender, got %T", s)
	}

	cfg.Mail.Driver = "smtp"
	s, err = newSender(cfg)
	if err != nil {
		t.Fatalf("smtp: %v", err)
	}
	if _, ok := s.(*mailer.SMTP); !ok {
		t.Fatalf("expected SMTP sender, got %T", s)
	}

	cfg.Mail.Driver = "none"
	s, err = newSender(cfg)
	if err != nil {
		t.Fatalf("none: %v", err)
	}
	if _, ok := s.(mailer.Noop); !ok {
		t.Fatalf("expected Noop sender, got %T", s)
	}

	cfg.Mail.Driver = "carrier-pigeon"
	if _, err := newSender(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestBuildReporter(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	cfg.Mail.Driver = "none"

	rep, hist, err := buildReporter(cfg)
	if err != nil {
		t.Fatalf("build reporter: %v", err)
	}
	if hist == nil {
		t.Fatal("expected history store")
	}
	if rep.Status().NextCapture != nil {
		t.Fatal("capture schedule should be off without a camera")
	}

	cfg.Camera.Enabled = true
	cfg.Camera.BaseURL = "http://127.0.0.1:1"
	cfg.Camera.Resource = "shopcam"
	rep, _, err = buildReporter(cfg)
	if err != nil {
		t.Fatalf("build reporter with camera: %v", err)
	}
	if rep.Status().NextCapture == nil {
		t.Fatal("expected capture schedule with camera enabled")
	}
}

package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/formdef"
	"github.com/ehr/intake/internal/platform/middleware"
)

func TestCheckForms_Embedded(t *testing.T) {
	cfg := &config.Config{DefaultLanguage: "de", SupportedLanguages: []string{"de", "en"}}
	results := checkForms(newFormStore(cfg, zerolog.Nop()), cfg.SupportedLanguages)

	if len(results) != 4 {
		t.Fatalf("expected 2 forms x 2 languages, got %d results", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("%s/%s: %v", r.FormID, r.Language, r.Err)
		}
		if r.Fields == 0 || r.Version == "" {
			t.Errorf("%s/%s: fields=%d version=%q", r.FormID, r.Language, r.Fields, r.Version)
		}
	}
}

func TestCheckForms_ReportsBrokenDefinition(t *testing.T) {
	fsys := fstest.MapFS{"broken_de.json": {Data: []byte(`{"id":`)}}
	store := formdef.NewStore(formdef.NewLocaleResolver(fsys, "de", []string{"de"}), zerolog.Nop())

	results := checkForms(store, []string{"de"})
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("expected one failed result, got %+v", results)
	}
}

func TestSecretOrRandom(t *testing.T) {
	got, err := secretOrRandom("configured")
	if err != nil || got != "configured" {
		t.Errorf("configured secret = %q, %v", got, err)
	}

	a, _ := secretOrRandom("")
	b, _ := secretOrRandom("")
	if len(a) != 64 || a == b {
		t.Errorf("random secrets %q %q", a, b)
	}
}

func TestGuardConfig(t *testing.T) {
	cfg := &config.Config{RateLimitMax: 3, RateLimitWindow: 30 * time.Minute, MinFillSeconds: 2}
	gc := guardConfig(cfg)
	if gc.MaxAttempts != 3 || gc.Window != 30*time.Minute || gc.MinFillTime != 2*time.Second {
		t.Errorf("guard config = %+v", gc)
	}
	if gc.TokenField != "form_token" || len(gc.HoneypotFields) == 0 {
		t.Errorf("defaults lost: %+v", gc)
	}
}

func TestAdminRateLimit_FallsBackToDefaults(t *testing.T) {
	def := middleware.DefaultRateLimitConfig()
	if rl := adminRateLimit(&config.Config{}); rl.RequestsPerSecond != def.RequestsPerSecond || rl.BurstSize != def.BurstSize {
		t.Errorf("rate limit = %+v", rl)
	}
	rl := adminRateLimit(&config.Config{RateLimitRPS: 5, RateLimitBurst: 50})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 50 {
		t.Errorf("rate limit = %+v", rl)
	}
}

func TestIPExtractor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	if got := ipExtractor(false)(req); got != "10.0.0.1" {
		t.Errorf("direct = %q", got)
	}
	if got := ipExtractor(true)(req); got != "203.0.113.7" {
		t.Errorf("behind proxy = %q", got)
	}
}

func TestNewNotifier_DisabledWithoutRecipient(t *testing.T) {
	n, err := newNotifier(&config.Config{PracticeName: "Praxis"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if n.Enabled() {
		t.Error("notifier enabled without NOTIFY_EMAIL")
	}
}

func TestNewNotifier_InvalidSMTP(t *testing.T) {
	_, err := newNotifier(&config.Config{NotifyEmail: "team@praxis.example", SMTPFrom: "noreply@praxis.example"}, zerolog.Nop())
	if err == nil {
		t.Error("expected error without SMTP_HOST")
	}
}

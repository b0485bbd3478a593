package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefault(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("TAX_RATE_PERCENT", "")
	t.Setenv("INVOICE_PREFIX", "")
	t.Setenv("ALERT_CACHE_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.TaxRatePercent != 12 {
		t.Fatalf("expected default tax rate 12, got %v", cfg.TaxRatePercent)
	}
	if cfg.InvoicePrefix != "F" {
		t.Fatalf("expected default invoice prefix F, got %q", cfg.InvoicePrefix)
	}
	if cfg.AlertCacheTTLSeconds != 60 {
		t.Fatalf("expected default alert ttl 60, got %d", cfg.AlertCacheTTLSeconds)
	}
}

func TestLoadRejectsOutOfRangeTaxRate(t *testing.T) {
	t.Setenv("TAX_RATE_PERCENT", "250")

	cfg := Load()
	if cfg.TaxRatePercent != 12 {
		t.Fatalf("expected fallback tax rate 12 for out-of-range value, got %v", cfg.TaxRatePercent)
	}
}

package config

import (
	"strings"
	"testing"
	"time"
)

func setBaseline(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseline(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Gateway.CallTimeout != 30*time.Second {
		t.Errorf("gateway timeout = %v, want 30s", cfg.Gateway.CallTimeout)
	}
	if cfg.Gateway.BreakerMaxFailures != 5 {
		t.Errorf("breaker max failures = %d, want 5", cfg.Gateway.BreakerMaxFailures)
	}
	if cfg.Database.SSLMode != "require" {
		t.Errorf("sslmode = %q, want require", cfg.Database.SSLMode)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBaseline(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("GATEWAY_CALL_TIMEOUT", "5s")
	t.Setenv("GATEWAY_BREAKER_MAX_FAILURES", "3")
	t.Setenv("TRACING_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Gateway.CallTimeout != 5*time.Second {
		t.Errorf("gateway timeout = %v, want 5s", cfg.Gateway.CallTimeout)
	}
	if cfg.Gateway.BreakerMaxFailures != 3 {
		t.Errorf("breaker max failures = %d, want 3", cfg.Gateway.BreakerMaxFailures)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing should be disabled")
	}
}

func TestLoadMalformedValuesFallBack(t *testing.T) {
	setBaseline(t)
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("GATEWAY_CALL_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server port = %d, want fallback 8080", cfg.Server.Port)
	}
	if cfg.Gateway.CallTimeout != 30*time.Second {
		t.Errorf("gateway timeout = %v, want fallback 30s", cfg.Gateway.CallTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing jwt secret",
			env:     map[string]string{"APP_ENV": "development"},
			wantErr: "JWT_SECRET is required",
		},
		{
			name: "short jwt secret in production",
			env: map[string]string{
				"APP_ENV":     "production",
				"JWT_SECRET":  "short",
				"DB_PASSWORD": "pw",
			},
			wantErr: "at least 32 characters",
		},
		{
			name: "missing db password outside development",
			env: map[string]string{
				"APP_ENV":    "staging",
				"JWT_SECRET": "test-secret",
			},
			wantErr: "DB_PASSWORD is required",
		},
		{
			name: "ssl disabled in production",
			env: map[string]string{
				"APP_ENV":     "production",
				"JWT_SECRET":  strings.Repeat("s", 32),
				"DB_PASSWORD": "pw",
				"DB_SSLMODE":  "disable",
			},
			wantErr: "DB_SSLMODE=disable",
		},
		{
			name: "plain http gateway in production",
			env: map[string]string{
				"APP_ENV":          "production",
				"JWT_SECRET":       strings.Repeat("s", 32),
				"DB_PASSWORD":      "pw",
				"GATEWAY_BASE_URL": "http://gateway.local",
			},
			wantErr: "must use https",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5433, Name: "emed", User: "svc", Password: "pw", SSLMode: "require",
	}
	want := "host=db user=svc password=pw dbname=emed port=5433 sslmode=require Timezone=UTC"
	if got := d.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}

func TestServerAddress(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8081}
	if got := s.Address(); got != "127.0.0.1:8081" {
		t.Fatalf("Address() = %q, want 127.0.0.1:8081", got)
	}
}

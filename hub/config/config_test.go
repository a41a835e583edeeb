package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "my-super-secret-jwt-key-at-least-32"

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"shutdown_timeout": 5
		},
		"auth": {
			"jwt_secret": "` + testSecret + `",
			"jwt_expiry": "2h",
			"initial_admin": {
				"username": "admin",
				"password": "admin123"
			}
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db"
		},
		"session": {
			"duplicate_login": "reject",
			"max_message_bytes": 32768,
			"max_content_bytes": 1000,
			"send_buffer": 8,
			"ping_interval": "15s",
			"pong_wait": "45s"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	cfg, err := Load(writeTempConfig(t, configJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout.Duration != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 5s", cfg.Server.ShutdownTimeout.Duration)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("JWTExpiry = %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "admin" {
		t.Errorf("InitialAdmin = %+v", cfg.Auth.InitialAdmin)
	}
	if cfg.Session.DuplicateLogin != DuplicateLoginReject {
		t.Errorf("DuplicateLogin = %q", cfg.Session.DuplicateLogin)
	}
	if cfg.Session.MaxContentBytes != 1000 || cfg.Session.SendBuffer != 8 {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.Session.PingInterval.Duration != 15*time.Second || cfg.Session.PongWait.Duration != 45*time.Second {
		t.Errorf("keepalive = %v/%v", cfg.Session.PingInterval.Duration, cfg.Session.PongWait.Duration)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit.Burst = %d", cfg.RateLimit.Burst)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"server": {"addr": ":9000"},
		"auth": {"jwt_secret": "`+testSecret+`"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "chathub.db" {
		t.Errorf("Storage defaults = %+v", cfg.Storage)
	}
	if cfg.Session.DuplicateLogin != DuplicateLoginReplace {
		t.Errorf("DuplicateLogin default = %q", cfg.Session.DuplicateLogin)
	}
	if cfg.Session.MaxMessageBytes != 64*1024 {
		t.Errorf("MaxMessageBytes default = %d", cfg.Session.MaxMessageBytes)
	}
	if cfg.Session.SearchLimit != 50 {
		t.Errorf("SearchLimit default = %d", cfg.Session.SearchLimit)
	}
	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("JWTExpiry default = %v", cfg.Auth.JWTExpiry.Duration)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins default = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"auth": {"jwt_secret": "` + testSecret + `"}}`,
			wantErr: "server.addr is required",
		},
		{
			name:    "missing secret",
			json:    `{"server": {"addr": ":8080"}}`,
			wantErr: "auth.jwt_secret is required",
		},
		{
			name:    "short secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`,
			wantErr: "at least 32 characters",
		},
		{
			name:    "weak secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`,
			wantErr: "weak secret",
		},
		{
			name:    "bad duplicate policy",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "` + testSecret + `"}, "session": {"duplicate_login": "both"}}`,
			wantErr: "session.duplicate_login",
		},
		{
			name:    "unknown driver",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "` + testSecret + `"}, "storage": {"driver": "mysql"}}`,
			wantErr: "not supported",
		},
		{
			name:    "tls half configured",
			json:    `{"server": {"addr": ":8080", "tls_cert": "c.pem"}, "auth": {"jwt_secret": "` + testSecret + `"}}`,
			wantErr: "tls_key",
		},
		{
			name:    "bad duration",
			json:    `{"server": {"addr": ":8080", "shutdown_timeout": "soon"}, "auth": {"jwt_secret": "` + testSecret + `"}}`,
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.json))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CHATHUB_ADDR", ":7070")
	t.Setenv("CHATHUB_JWT_SECRET", "env-secret-that-is-definitely-32-chars")
	t.Setenv("CHATHUB_DUPLICATE_LOGIN", "reject")
	t.Setenv("CHATHUB_ADMIN_USERNAME", "root")
	t.Setenv("CHATHUB_ADMIN_PASSWORD", "rootpw")

	// The file alone would fail validation; the environment completes it.
	cfg, err := Load(writeTempConfig(t, `{"server": {}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.JWTSecret != "env-secret-that-is-definitely-32-chars" {
		t.Errorf("JWTSecret not overridden")
	}
	if cfg.Session.DuplicateLogin != DuplicateLoginReject {
		t.Errorf("DuplicateLogin = %q", cfg.Session.DuplicateLogin)
	}
	if cfg.Auth.InitialAdmin == nil || cfg.Auth.InitialAdmin.Username != "root" {
		t.Errorf("InitialAdmin = %+v", cfg.Auth.InitialAdmin)
	}
}

func TestLoadConfigDotenv(t *testing.T) {
	const key = "CHATHUB_STORAGE_DSN"
	if _, set := os.LookupEnv(key); set {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	path := writeTempConfig(t, `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "`+testSecret+`"}}`)
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envFile, []byte(key+"=from-dotenv.db\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DSN != "from-dotenv.db" {
		t.Errorf("DSN = %q, want from-dotenv.db", cfg.Storage.DSN)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two secrets are identical")
	}
}

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Load()
	cfg.Webhook.Secret = "whsec_" + strings.Repeat("a", 32)
	cfg.Admin.APIKey = strings.Repeat("b", 32)
	cfg.JWT.SecretKey = strings.Repeat("c", 32)
	cfg.Encryption.Key = strings.Repeat("d", 32)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "")
	t.Setenv("STALE_AFTER", "")

	cfg := Load()
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "provisioning", cfg.Database.Schema)
	assert.Equal(t, "tenant", cfg.Naming.NamespacePrefix)
	assert.Equal(t, 15*time.Minute, cfg.Orchestration.StaleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("STALE_AFTER", "90s")
	t.Setenv("CLUSTER_INSECURE_TLS", "true")
	t.Setenv("STEP_MAX_ATTEMPTS", "not-a-number")

	cfg := Load()
	assert.Equal(t, "9100", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Orchestration.WorkerCount)
	assert.Equal(t, 90*time.Second, cfg.Orchestration.StaleAfter)
	assert.True(t, cfg.Cluster.InsecureTLS)
	assert.Equal(t, 4, cfg.Orchestration.StepMaxAttempts, "invalid ints fall back to the default")
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"empty webhook secret", func(c *Config) { c.Webhook.Secret = "" }, "WEBHOOK_SECRET"},
		{"short admin key", func(c *Config) { c.Admin.APIKey = "short" }, "ADMIN_API_KEY"},
		{"insecure jwt", func(c *Config) { c.JWT.SecretKey = "your-secret-key-change-in-production" }, "JWT_SECRET_KEY"},
		{"short encryption key", func(c *Config) { c.Encryption.Key = "k" }, "ENCRYPTION_KEY"},
		{"no workers", func(c *Config) { c.Orchestration.WorkerCount = 0 }, "WORKER_COUNT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: "1", User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:1/d?sslmode=disable", db.DSN())

	tdb := TenantDBConfig{Host: "h", Port: "1", User: "u", Password: "p", SSLMode: "require"}
	assert.Equal(t, "postgres://u:p@h:1/postgres?sslmode=require", tdb.DSN())
}

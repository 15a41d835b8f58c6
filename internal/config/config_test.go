package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":    "postgres://localhost:5432/pawtag",
		"REDIS_URL":       "redis://localhost:6379/0",
		"JWT_SECRET":      "test-secret",
		"YOCO_SECRET_KEY": "sk_test_abc123",
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	env := validEnv()
	env["DATABASE_URL"] = ""
	_, err := LoadForTests(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRejectsMalformedYocoKey(t *testing.T) {
	env := validEnv()
	env["YOCO_SECRET_KEY"] = "pk_live_wrongkind"
	_, err := LoadForTests(env)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sk_")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadForTests(validEnv())
	require.NoError(t, err)
	require.Equal(t, "development", cfg.AppEnv)
	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, "https://payments.yoco.com/api", cfg.YocoBaseURL)
	require.NotZero(t, cfg.ReconcileInterval)
}

func TestHTTPAddrKeepsLeadingColon(t *testing.T) {
	env := validEnv()
	env["PORT"] = ":9000"
	cfg, err := LoadForTests(env)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.HTTPAddr())
}

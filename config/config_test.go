package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	cfg := New()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	return cfg, cfg.Parse(fs, args)
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(t, "-secret-key=s3cr3t")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.ListenPort)
	assert.Equal(t, "HS256", cfg.TokenAlgorithm)
	assert.True(t, cfg.RateLimitEnabled)
	assert.True(t, cfg.CircuitBreakerEnabled)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 60, cfg.OpenTimeoutSeconds)
	assert.Equal(t, 1.0, cfg.LogSamplingRatio)
}

func TestFlagOverrides(t *testing.T) {
	cfg, err := parse(t,
		"-secret-key=s3cr3t",
		"-listen-port=9000",
		"-rate-limit-enabled=false",
		"-trusted-proxy-cidrs=10.0.0.0/8, 192.168.0.0/16",
	)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ListenPort)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.TrustedProxyCIDRs)
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port: 8443
secret_key: from-file
cors_origins:
  - https://app.example.org
failure_threshold: 7
`), 0o600))

	cfg, err := parse(t, "-config-file="+path, "-listen-port=9000")
	require.NoError(t, err)

	// flags win over the file
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, "from-file", cfg.SecretKey)
	assert.Equal(t, []string{"https://app.example.org"}, cfg.CORSOrigins)
	assert.Equal(t, 7, cfg.FailureThreshold)
}

func TestValidation(t *testing.T) {
	for _, args := range [][]string{
		{"-secret-key=s", "-listen-port=0"},
		{"-secret-key=s", "-listen-port=99999"},
		{"-secret-key=s", "-store-dsn="},
		{},
		{"-secret-key=s", "-token-algorithm=none"},
		{"-secret-key=s", "-gateway-timeout-ms=0"},
		{"-secret-key=s", "-failure-threshold=0"},
		{"-secret-key=s", "-log-sampling-ratio=1.5"},
	} {
		_, err := parse(t, args...)
		require.Error(t, err, "%v", args)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, "%v", args)
	}
}

func TestEnvSecret(t *testing.T) {
	t.Setenv("PORTCULLIS_SECRET_KEY", "from-env")
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.SecretKey)
}

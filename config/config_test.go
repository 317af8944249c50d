package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/marketflow")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "marketflow", cfg.ServiceName)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, 5*time.Second, cfg.OperationTimeout)
	require.Equal(t, 3, cfg.TransitionRetries)
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	require.Equal(t, 30*time.Second, cfg.IdempotencyPending)
	require.Equal(t, 50, cfg.OutboxBatchSize)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HTTP_PORT=9999\nTRANSITION_RETRIES=7\nOPERATION_TIMEOUT=2s\n"), 0o600))
	t.Setenv("HTTP_PORT", "7000")
	// Setenv registers the cleanup; unsetting lets godotenv fill these from the file.
	t.Setenv("TRANSITION_RETRIES", "")
	os.Unsetenv("TRANSITION_RETRIES")
	t.Setenv("OPERATION_TIMEOUT", "")
	os.Unsetenv("OPERATION_TIMEOUT")

	cfg, err := Load(envFile)
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.HTTPPort)
	require.Equal(t, 7, cfg.TransitionRetries)
	require.Equal(t, 2*time.Second, cfg.OperationTimeout)
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OPERATION_TIMEOUT", "0s")
	t.Setenv("LOG_FORMAT", "xml")

	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
	require.Contains(t, err.Error(), "JWT_SECRET")
	require.Contains(t, err.Error(), "OPERATION_TIMEOUT")
	require.Contains(t, err.Error(), "LOG_FORMAT")
}

func TestValidate_TransitionRetries(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/marketflow")
	t.Setenv("JWT_SECRET", "s3cret")

	for _, n := range []string{"0", "-1"} {
		t.Setenv("TRANSITION_RETRIES", n)
		cfg, err := Load("")
		require.NoError(t, err)
		err = cfg.Validate()
		require.Error(t, err, "TRANSITION_RETRIES=%s", n)
		require.Contains(t, err.Error(), "TRANSITION_RETRIES")
	}

	t.Setenv("TRANSITION_RETRIES", "1")
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

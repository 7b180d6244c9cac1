package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		// Verify mirror defaults
		assert.Equal(t, "/opt/packmirror", cfg.Mirror.HomeDir)
		assert.Equal(t, 100, cfg.Mirror.MinDiskSpaceGB)
		assert.Equal(t, 3, cfg.Mirror.MaxRetries)
		assert.Equal(t, 5*time.Second, cfg.Mirror.RetryBaseDelay)
		assert.Equal(t, 2, cfg.Mirror.MaxPerRegistry)
		assert.Equal(t, "oc", cfg.Mirror.OCBin)
		assert.Equal(t, "podman", cfg.Mirror.PodmanBin)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		t.Chdir(t.TempDir())

		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"mirror": map[string]any{
				"home_dir": "/srv/mirror",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "/srv/mirror", cfg.Mirror.HomeDir)

		// Verify non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 3, cfg.Mirror.MaxRetries)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Chdir(t.TempDir())

		require.NoError(t, os.Setenv("PACKMIRROR_PORT", "3000"))
		require.NoError(t, os.Setenv("PACKMIRROR_LOG_LEVEL", "warn"))
		require.NoError(t, os.Setenv("PACKMIRROR_HOME_DIR", "/data/cp4i"))
		defer func() {
			_ = os.Unsetenv("PACKMIRROR_PORT")
			_ = os.Unsetenv("PACKMIRROR_LOG_LEVEL")
			_ = os.Unsetenv("PACKMIRROR_HOME_DIR")
		}()

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "/data/cp4i", cfg.Mirror.HomeDir)
	})

	// Test config file loading
	t.Run("ConfigFile", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)

		content := []byte(`
server:
  port: 8443
mirror:
  final_registry: mirror.internal:5000
  retry_base_delay: 2s
notify:
  webhook_url: https://hooks.internal/notify
`)
		require.NoError(t, os.WriteFile(dir+"/packmirror.yaml", content, 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 8443, cfg.Server.Port)
		assert.Equal(t, "mirror.internal:5000", cfg.Mirror.FinalRegistry)
		assert.Equal(t, 2*time.Second, cfg.Mirror.RetryBaseDelay)
		assert.Equal(t, "https://hooks.internal/notify", cfg.Notify.WebhookURL)
	})

	// Test validation failures
	t.Run("Validation", func(t *testing.T) {
		t.Chdir(t.TempDir())

		tests := []struct {
			name     string
			override map[string]any
			wantErr  string
		}{
			{
				name:     "port out of range",
				override: map[string]any{"server": map[string]any{"port": 70000}},
				wantErr:  "server.port out of range",
			},
			{
				name:     "empty home dir",
				override: map[string]any{"mirror": map[string]any{"home_dir": "  "}},
				wantErr:  "mirror.home_dir is required",
			},
			{
				name:     "zero retries",
				override: map[string]any{"mirror": map[string]any{"max_retries": 0}},
				wantErr:  "max_retries",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Load(ctx, tt.override)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})
}

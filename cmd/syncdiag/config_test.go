package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncdiag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, backendMemory, cfg.RunStore)
	require.Equal(t, triggerLocal, cfg.Trigger.Mode)
	require.Equal(t, 10*time.Minute, cfg.Diagnostics.CurrentRunTTL)
	require.Equal(t, 24*time.Hour, cfg.Diagnostics.ResultsTTL)
	require.Equal(t, 12, cfg.Diagnostics.ProviderSyncWait.Attempts)
	require.Equal(t, 10*time.Second, cfg.Diagnostics.ProviderSyncWait.Delay)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
diagnostics:
  current_run_ttl: 5m
  provider_sync_wait:
    attempts: 3
    delay: 1s
run_store: redis
redis:
  url: redis://cache:6379/1
trigger:
  mode: stream
  stream: diag
fixtures:
  calendars:
    - id: cal-1
      org_id: org-1
      account_id: acct-1
      external_id: ext-1
  accounts:
    - id: acct-1
      access_token: tok
      provider: gmail
`)
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.Diagnostics.CurrentRunTTL)
	require.Equal(t, 24*time.Hour, cfg.Diagnostics.ResultsTTL)
	require.Equal(t, 3, cfg.Diagnostics.ProviderSyncWait.Attempts)
	require.Equal(t, time.Second, cfg.Diagnostics.ProviderSyncWait.Delay)
	require.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	require.Equal(t, "diag", cfg.Trigger.Stream)
	require.Len(t, cfg.Fixtures.Calendars, 1)
	require.Equal(t, "tok", cfg.Fixtures.Accounts[0].AccessToken)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SYNCDIAG_RUN_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://env:6379/0")
	t.Setenv("SYNCDIAG_SYNC_WAIT_ATTEMPTS", "4")
	t.Setenv("SYNCDIAG_RESULTS_TTL", "2h")
	t.Setenv("SYNCDIAG_RATE_PER_SECOND", "0.5")

	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, backendRedis, cfg.RunStore)
	require.Equal(t, "redis://env:6379/0", cfg.Redis.URL)
	require.Equal(t, 4, cfg.Diagnostics.ProviderSyncWait.Attempts)
	require.Equal(t, 2*time.Hour, cfg.Diagnostics.ResultsTTL)
	require.InDelta(t, 0.5, cfg.Rate.PerSecond, 1e-9)
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]string{
		"stream without redis":     "trigger:\n  mode: stream\n",
		"unknown run store":        "run_store: etcd\n",
		"mongo without database":   "run_store: mongo\nmongo:\n  database: \"\"\n",
		"rest without base url":    "provider:\n  kind: rest\n",
		"simulated with postgres":  "calendars: postgres\npostgres:\n  url: postgres://db/x\n",
		"zero attempts":            "diagnostics:\n  provider_sync_wait:\n    attempts: 0\n",
		"negative provider rpm":    "provider:\n  rate:\n    rpm: -1\n",
		"negative health interval": "trigger:\n  health_interval: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadConfigBadEnv(t *testing.T) {
	t.Setenv("SYNCDIAG_SYNC_WAIT_DELAY", "soon")
	_, err := loadConfig("")
	require.ErrorContains(t, err, "SYNCDIAG_SYNC_WAIT_DELAY")
}

package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Kind:                      ProviderManagedStream,
			APIBase:                   "https://api.mux.com",
			WebhookSecret:             "whsec",
			SignatureToleranceSeconds: 300,
			RequestTimeoutSeconds:     10,
			WebhookBudgetSeconds:      8,
			MuxTokenID:                "id",
			MuxTokenSecret:            "secret",
		},
		Upload:    UploadConfig{SessionTTLSeconds: 3600, MaxBytes: 5 << 30, MinBytes: 1024},
		Reconcile: ReconcileConfig{PeriodSeconds: 60, GraceSeconds: 900, AbandonSeconds: 86400},
		Progress:  ProgressConfig{SubscriberQueueDepth: 32},
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VIDEO_PROVIDER_KIND", "")
	t.Setenv("RECONCILE_GRACE_SEC", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderManagedStream, cfg.Provider.Kind)
	assert.Equal(t, 300, cfg.Provider.SignatureToleranceSeconds)
	assert.Equal(t, int64(5<<30), cfg.Upload.MaxBytes)
	assert.Equal(t, 900, cfg.Reconcile.GraceSeconds)
	assert.Equal(t, 32, cfg.Progress.SubscriberQueueDepth)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VIDEO_PROVIDER_KIND", ProviderObjectStore)
	t.Setenv("UPLOAD_MAX_BYTES", "1048576")
	t.Setenv("RUN_WORKERS_IN_SERVER", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ProviderObjectStore, cfg.Provider.Kind)
	assert.Equal(t, int64(1048576), cfg.Upload.MaxBytes)
	assert.True(t, cfg.Server.RunWorkers)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(c *Config){
		"unknown kind":        func(c *Config) { c.Provider.Kind = "youtube" },
		"empty secret":        func(c *Config) { c.Provider.WebhookSecret = "" },
		"zero ttl":            func(c *Config) { c.Upload.SessionTTLSeconds = 0 },
		"abandon below grace": func(c *Config) { c.Reconcile.AbandonSeconds = 60 },
		"min above max":       func(c *Config) { c.Upload.MinBytes = c.Upload.MaxBytes },
		"tiny queue":          func(c *Config) { c.Progress.SubscriberQueueDepth = 1 },
		"missing mux creds":   func(c *Config) { c.Provider.MuxTokenSecret = "" },
		"object store without bucket": func(c *Config) {
			c.Provider.Kind = ProviderObjectStore
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

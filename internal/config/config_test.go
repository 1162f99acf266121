// Copyright 2025 James Ross
package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ProfileStandard, cfg.Policy.Profile)
	assert.Equal(t, ModePrompt, cfg.Policy.Mode)
	assert.Equal(t, 64, cfg.Policy.MaxMemoryMB)
	assert.Contains(t, cfg.Policy.DefaultCaps, "session")
	assert.Contains(t, cfg.Policy.DenyCaps, "exec")
	assert.Equal(t, 5, cfg.Audit.MaxBackups)
}

func TestProfileDefaultsMatchSpecProfiles(t *testing.T) {
	safe := ProfileDefaults(ProfileSafe)
	assert.Equal(t, ModeStrict, safe.Mode)
	assert.ElementsMatch(t, []string{"read", "write"}, safe.DefaultCaps)
	assert.ElementsMatch(t, []string{"exec", "env"}, safe.DenyCaps)

	standard := ProfileDefaults(ProfileStandard)
	assert.Equal(t, ModePrompt, standard.Mode)
	assert.ElementsMatch(t, []string{"read", "write", "http", "events", "session"}, standard.DefaultCaps)
	assert.ElementsMatch(t, []string{"exec", "env"}, standard.DenyCaps)

	permissive := ProfileDefaults(ProfilePermissive)
	assert.Equal(t, ModePermissive, permissive.Mode)
}

func TestValidateUnknownModeFailsClosedToStrict(t *testing.T) {
	cfg := defaultConfig()
	cfg.Policy.Mode = Mode("yolo")
	err := Validate(cfg)
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, cfg.Policy.Mode)
}

func TestValidateRejectsBadMemoryBudget(t *testing.T) {
	cfg := defaultConfig()
	cfg.Policy.MaxMemoryMB = 0
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidateRejectsBadMetricsPort(t *testing.T) {
	cfg := defaultConfig()
	cfg.Observability.MetricsPort = 70000
	err := Validate(cfg)
	assert.Error(t, err)
}

func TestValidateDefaultsCleanupBudgetWhenZero(t *testing.T) {
	cfg := defaultConfig()
	cfg.Region.CleanupBudget = 0
	require.NoError(t, Validate(cfg))
	assert.Greater(t, cfg.Region.CleanupBudget.Seconds(), 0.0)
}

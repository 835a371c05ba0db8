// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Transport.Type)
	assert.Equal(t, "agent.requests", cfg.Transport.RequestStream)
	assert.Equal(t, "agent.events", cfg.Transport.EventStream)
	assert.Equal(t, "maestro", cfg.Transport.GroupPrefix)
	assert.NotEmpty(t, cfg.Transport.ConsumerID, "consumer id is generated when unset")

	assert.Equal(t, 60000, cfg.Persona.DefaultTimeoutMS)
	assert.Equal(t, 2, cfg.Persona.DefaultMaxRetries)
	assert.Equal(t, 30000, cfg.Persona.RetryBackoffIncrementMS)
	assert.Equal(t, 90000, cfg.Persona.TimeoutFor("lead-engineer"))
	assert.Equal(t, 60000, cfg.Persona.TimeoutFor("no-such-persona"))

	assert.Equal(t, 50, cfg.Coordinator.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Dashboard.Timeout)
	assert.False(t, cfg.AllowWorkspaceGit)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("TRANSPORT_TYPE", "local")
	t.Setenv("PROJECT_BASE", "/tmp/maestro-projects")
	t.Setenv("CONSUMER_ID", "coord-test-1")
	t.Setenv("PERSONA_DEFAULT_TIMEOUT_MS", "4500")
	t.Setenv("ALLOWED_PERSONAS", "planner,tester-qa")
	t.Setenv("SKIP_GIT_OPERATIONS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Transport.Type)
	assert.Equal(t, "/tmp/maestro-projects", cfg.ProjectBase)
	assert.Equal(t, "coord-test-1", cfg.Transport.ConsumerID)
	assert.Equal(t, 4500, cfg.Persona.DefaultTimeoutMS)
	assert.Equal(t, []string{"planner", "tester-qa"}, cfg.Persona.Allowed)
	assert.True(t, cfg.SkipGitOperations)

	assert.True(t, cfg.Persona.PersonaAllowed("planner"))
	assert.False(t, cfg.Persona.PersonaAllowed("devops"))
}

func TestLoadPersonaMapsFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		timeouts  string
		retries   string
		wantMS    int
		wantRetry int
	}{
		{
			name:      "json form",
			timeouts:  `{"lead-engineer": 120000}`,
			retries:   `{"lead-engineer": "unlimited"}`,
			wantMS:    120000,
			wantRetry: UnlimitedRetries,
		},
		{
			name:      "key=value form",
			timeouts:  "lead-engineer=45000, planner=90000",
			retries:   "lead-engineer=5",
			wantMS:    45000,
			wantRetry: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TRANSPORT_TYPE", "local")
			t.Setenv("PERSONA_TIMEOUTS", tt.timeouts)
			t.Setenv("PERSONA_MAX_RETRIES", tt.retries)

			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, tt.wantMS, cfg.Persona.TimeoutFor("lead-engineer"))
			assert.Equal(t, tt.wantRetry, cfg.Persona.MaxRetriesFor("lead-engineer"))
		})
	}
}

func TestLoadRejectsBadTransport(t *testing.T) {
	t.Setenv("TRANSPORT_TYPE", "carrier-pigeon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport type")
}

func TestLoadRejectsBadPersonaTimeout(t *testing.T) {
	t.Setenv("TRANSPORT_TYPE", "local")
	t.Setenv("PERSONA_TIMEOUTS", "planner=0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestMaxRetriesFor(t *testing.T) {
	p := PersonaConfig{
		MaxRetries:        map[string]int{"planner": 4, "devops": UnlimitedRetries},
		DefaultMaxRetries: 2,
	}
	assert.Equal(t, 4, p.MaxRetriesFor("planner"))
	assert.Equal(t, UnlimitedRetries, p.MaxRetriesFor("devops"))
	assert.Equal(t, 2, p.MaxRetriesFor("tester-qa"))
}

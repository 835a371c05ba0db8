// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/persona"
	"github.com/maestrohq/maestro/internal/workflow"
)

// abortReasonPersonaTimeout is set when a persona never answered within its
// full retry budget; the run cannot make progress without the response.
const abortReasonPersonaTimeout = "persona_timeout"

type personaRequestConfig struct {
	Step       string         `mapstructure:"step"`
	Persona    string         `mapstructure:"persona"`
	Intent     string         `mapstructure:"intent"`
	Payload    map[string]any `mapstructure:"payload"`
	TimeoutMS  int            `mapstructure:"timeout_ms"`
	MaxRetries *int           `mapstructure:"max_retries"`
}

// personaRequestStep sends one request to a persona and waits for the
// correlated event, retrying timeouts with a progressively larger wait. The
// interpreted verdict lands in `<step>_status`, `<step>_result` and
// `<step>_details` context variables.
type personaRequestStep struct {
	name string
	cfg  personaRequestConfig
	deps Deps
	log  zerolog.Logger
}

func newPersonaRequest(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg personaRequestConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &personaRequestStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *personaRequestStep) Name() string { return s.name }
func (s *personaRequestStep) Kind() string { return "persona_request" }

func (s *personaRequestStep) Validate(*workflow.Context) error {
	if s.cfg.Persona == "" {
		return fmt.Errorf("persona is required")
	}
	if s.cfg.Intent == "" {
		return fmt.Errorf("intent is required")
	}
	if !s.deps.Config.Persona.PersonaAllowed(s.cfg.Persona) {
		return fmt.Errorf("persona %q is not in the allowlist", s.cfg.Persona)
	}
	if s.cfg.MaxRetries != nil && *s.cfg.MaxRetries < 0 && *s.cfg.MaxRetries != config.UnlimitedRetries {
		return fmt.Errorf("max_retries must be >= 0 or %d (unlimited)", config.UnlimitedRetries)
	}
	if s.cfg.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must be >= 0")
	}
	return nil
}

func (s *personaRequestStep) Execute(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	outName := s.cfg.Step
	if outName == "" {
		outName = s.name
	}

	baseTimeout := s.cfg.TimeoutMS
	if baseTimeout == 0 {
		baseTimeout = s.deps.Config.Persona.TimeoutFor(s.cfg.Persona)
	}
	maxRetries := s.deps.Config.Persona.MaxRetriesFor(s.cfg.Persona)
	if s.cfg.MaxRetries != nil {
		maxRetries = *s.cfg.MaxRetries
	}
	increment := s.deps.Config.Persona.RetryBackoffIncrementMS

	payload, _ := workflow.InterpolateValue(s.cfg.Payload, wctx).(map[string]any)

	attempt := 0
	for {
		attempt++
		attemptTimeout := baseTimeout + (attempt-1)*increment
		s.log.Debug().
			Str("persona", s.cfg.Persona).
			Str("intent", s.cfg.Intent).
			Int("attempt", attempt).
			Int("timeout_ms", attemptTimeout).
			Msg("persona request attempt")

		n, err := s.deps.requestPersona(ctx, wctx, outName, s.cfg.Persona, s.cfg.Intent, payload, attemptTimeout)
		if err == nil {
			wctx.SetVar(outName+"_status", n.Status)
			wctx.SetVar(outName+"_result", n.Raw)
			wctx.SetVar(outName+"_details", n.Details)
			return &workflow.Result{
				Outputs: map[string]any{
					"status":  n.Status,
					"result":  n.Raw,
					"details": n.Details,
				},
				Data: map[string]any{"attempts": attempt},
			}, nil
		}
		if !persona.IsTimeout(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if aborted, reason := wctx.AbortRequested(); aborted {
			return nil, fmt.Errorf("workflow aborting (%s), persona retry stopped", reason)
		}
		// Attempts run 1..maxRetries+1; unlimited budgets keep going until a
		// non-timeout error or cancellation ends the loop.
		if maxRetries != config.UnlimitedRetries && attempt >= maxRetries+1 {
			wctx.RequestAbort(abortReasonPersonaTimeout)
			return nil, fmt.Errorf(
				"persona %s timed out after %d attempts. Base timeout: %dms. Final timeout: %dms",
				s.cfg.Persona, attempt, baseTimeout, attemptTimeout)
		}
		s.log.Warn().
			Str("persona", s.cfg.Persona).
			Int("attempt", attempt).
			Int("next_timeout_ms", attemptTimeout+increment).
			Msg("persona timed out, retrying with larger timeout")
	}
}

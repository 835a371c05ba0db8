// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/tasks"
	"github.com/maestrohq/maestro/internal/workflow"
)

type testToolingConfig struct {
	Framework string `mapstructure:"framework"`
	Command   string `mapstructure:"command"`
}

// testToolingSetupStep discovers the repo's test entry point and publishes
// it as test_framework / test_command variables for the QA loop. Explicit
// config wins over detection. A repo without any tooling is a warning, not
// a failure: QA will surface it as a no-tests fail.
type testToolingSetupStep struct {
	name string
	cfg  testToolingConfig
	deps Deps
	log  zerolog.Logger
}

func newTestToolingSetup(spec workflow.StepSpec, deps Deps) (workflow.Step, error) {
	var cfg testToolingConfig
	if err := decodeConfig(spec.Config, &cfg); err != nil {
		return nil, err
	}
	return &testToolingSetupStep{name: spec.Name, cfg: cfg, deps: deps, log: logger.GetStepLogger()}, nil
}

func (s *testToolingSetupStep) Name() string { return s.name }
func (s *testToolingSetupStep) Kind() string { return "test_tooling_setup" }

func (s *testToolingSetupStep) Validate(*workflow.Context) error {
	if (s.cfg.Framework == "") != (s.cfg.Command == "") {
		return fmt.Errorf("framework and command must be set together")
	}
	return nil
}

func (s *testToolingSetupStep) Execute(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	tooling := tasks.Tooling{
		Present:   s.cfg.Framework != "",
		Framework: s.cfg.Framework,
		Command:   s.cfg.Command,
	}
	if !tooling.Present {
		repoRoot := wctx.RepoRoot()
		if repoRoot == "" {
			return nil, fmt.Errorf("no repository bound to this run")
		}
		tooling = tasks.DetectTestTooling(repoRoot)
	}

	wctx.SetVar("test_tooling_present", tooling.Present)
	wctx.SetVar("test_framework", tooling.Framework)
	wctx.SetVar("test_command", tooling.Command)

	if !tooling.Present {
		s.log.Warn().Msg("no test tooling detected in repository")
	} else {
		s.log.Info().Str("framework", tooling.Framework).Str("command", tooling.Command).Msg("test tooling ready")
	}
	return &workflow.Result{Outputs: map[string]any{
		"present":   tooling.Present,
		"framework": tooling.Framework,
		"command":   tooling.Command,
	}}, nil
}

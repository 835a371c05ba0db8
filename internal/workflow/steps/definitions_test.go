// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package steps

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/dashboard"
	"github.com/maestrohq/maestro/internal/workflow"
)

// Every embedded workflow has to build and validate against the stock
// configuration: each step type registered, each config key decodable, each
// persona on the default allowlist. A definition that only works with a
// hand-tuned config is broken out of the box.
func TestEmbeddedDefinitionsValidateUnderDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	lib, err := workflow.LoadLibrary(&cfg.Workflow)
	require.NoError(t, err)
	require.NotEmpty(t, lib.Names())

	deps := testDeps(t)
	deps.Config = cfg
	deps.Dashboard = dashboard.NewClient(&cfg.Dashboard)

	reg := workflow.NewRegistry()
	require.NoError(t, Register(reg, deps))

	for _, name := range lib.Names() {
		def, err := lib.Get(name)
		require.NoError(t, err)
		wctx := workflow.NewContext("wf-validate", "proj-1")
		specs := append(append([]workflow.StepSpec{}, def.Steps...), def.FailureHandling...)
		for _, spec := range specs {
			step, err := reg.Build(spec)
			require.NoError(t, err, "workflow %s step %s", name, spec.Name)
			require.NoError(t, step.Validate(wctx), "workflow %s step %s", name, spec.Name)
		}
	}
}

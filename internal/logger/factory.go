// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static getters keep component names consistent with the log.levels map.

// GetEngineLogger returns the workflow engine logger.
func GetEngineLogger() zerolog.Logger {
	return Get("engine")
}

// GetTransportLogger returns the stream transport logger.
func GetTransportLogger() zerolog.Logger {
	return Get("transport")
}

// GetGitLogger returns the git workspace logger.
func GetGitLogger() zerolog.Logger {
	return Get("git")
}

// GetDashboardLogger returns the dashboard client logger.
func GetDashboardLogger() zerolog.Logger {
	return Get("dashboard")
}

// GetPersonaLogger returns the persona messenger logger.
func GetPersonaLogger() zerolog.Logger {
	return Get("persona")
}

// GetCoordinatorLogger returns the coordinator/task runner logger.
func GetCoordinatorLogger() zerolog.Logger {
	return Get("coordinator")
}

// GetStepLogger returns the workflow step logger.
func GetStepLogger() zerolog.Logger {
	return Get("steps")
}

// GetOpsLogger returns the operator HTTP surface logger.
func GetOpsLogger() zerolog.Logger {
	return Get("ops")
}

// GetTelemetryLogger returns the metrics/tracing setup logger.
func GetTelemetryLogger() zerolog.Logger {
	return Get("telemetry")
}

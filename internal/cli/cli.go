// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli is the maestro command line entry point.
package cli

import (
	"fmt"
	"os"
)

const (
	appName    = "maestro"
	appVersion = "0.1.0"
)

// Execute dispatches the command line.
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		return runCommand(args)
	case "workflows":
		return workflowsCommand(args)
	case "validate":
		return validateCommand(args)
	case "version":
		fmt.Printf("%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		return printUsage()
	}
}

func printUsage() error {
	fmt.Printf(`%s - multi-persona delivery coordinator

Usage:
  %s <command> [arguments]

Commands:
  run            Run the coordinator loop against a dashboard project
  workflows      List the loaded workflow definitions
  validate       Validate workflow definition files
  version        Print version information
  help           Show this help message

Examples:
  %s run --project 4f9d2c1a
  %s workflows
  %s validate workflows/*.yaml

Configuration comes from the environment (PROJECT_ID, DASHBOARD_URL,
BROKER_URL, ...) or the YAML file named by MAESTRO_CONFIG.

`, appName, appName, appName, appName, appName)
	return nil
}

// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/workflow"
)

// workflowsCommand lists the definitions the process would load: the
// directory named by WORKFLOW_DIR (or --dir), else the embedded set.
func workflowsCommand(args []string) error {
	fs := flag.NewFlagSet("workflows", flag.ExitOnError)
	dir := fs.String("dir", "", "Load definitions from this directory instead of WORKFLOW_DIR")
	if err := fs.Parse(args); err != nil {
		return err
	}

	wcfg := config.WorkflowConfig{Dir: os.Getenv("WORKFLOW_DIR")}
	if *dir != "" {
		wcfg.Dir = *dir
	}
	library, err := workflow.LoadLibrary(&wcfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tSTEPS\tTRIGGER\tDESCRIPTION")
	for _, name := range library.Names() {
		def, err := library.Get(name)
		if err != nil {
			return err
		}
		trigger := ""
		if def.Trigger != nil {
			trigger = def.Trigger.Condition
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", def.Name, def.Version, len(def.Steps), trigger, oneLine(def.Description))
	}
	return w.Flush()
}

// validateCommand parses each given file and reports the first schema or
// structural violation per file.
func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		return fmt.Errorf("usage: %s validate <file.yaml> [...]", appName)
	}

	failed := 0
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed++
			continue
		}
		def, err := workflow.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed++
			continue
		}
		fmt.Printf("%s: ok (workflow %q, %d steps)\n", file, def.Name, len(def.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(files))
	}
	return nil
}

func oneLine(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' {
			r = ' '
		}
		out = append(out, r)
	}
	const max = 60
	if len(out) > max {
		return string(out[:max-3]) + "..."
	}
	return string(out)
}

// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package workflow

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/logger"
)

//go:embed schema.json
var schemaJSON []byte

//go:embed definitions/*.yaml
var embeddedDefinitions embed.FS

// Definition is one immutable workflow loaded at startup.
type Definition struct {
	Name            string     `yaml:"name"`
	Version         string     `yaml:"version"`
	Description     string     `yaml:"description"`
	Trigger         *Trigger   `yaml:"trigger"`
	Context         *Gates     `yaml:"context"`
	Steps           []StepSpec `yaml:"steps"`
	FailureHandling []StepSpec `yaml:"failure_handling"`
}

// Trigger gates whether a workflow applies to the initial variables of a
// run, using the step condition language.
type Trigger struct {
	Condition string `yaml:"condition"`
}

// Gates are coarse preconditions a run must satisfy before any step starts.
type Gates struct {
	RepoRequired bool `yaml:"repo_required"`
}

// StepSpec declares one step of a workflow.
type StepSpec struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Description string            `yaml:"description"`
	DependsOn   []string          `yaml:"depends_on"`
	Condition   string            `yaml:"condition"`
	Config      map[string]any    `yaml:"config"`
	Outputs     map[string]string `yaml:"outputs"`
	TimeoutMS   int               `yaml:"timeout_ms"`
	Retry       *RetrySpec        `yaml:"retry"`
	// NonFatal lets the run continue past this step's failure. Steps that
	// depend on a failed non-fatal step are skipped instead of executed.
	NonFatal bool `yaml:"non_fatal"`
}

// RetrySpec is the per-step retry policy. An empty RetryableErrors list
// retries every failure.
type RetrySpec struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelayMS    int      `yaml:"initial_delay_ms"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	RetryableErrors   []string `yaml:"retryable_errors"`
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func definitionSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal(schemaJSON, &doc); err != nil {
			schemaErr = fmt.Errorf("decode workflow schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("workflow.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add workflow schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("workflow.schema.json")
	})
	return compiledSchema, schemaErr
}

// Parse decodes and validates one workflow definition document.
func Parse(raw []byte) (*Definition, error) {
	schema, err := definitionSchema()
	if err != nil {
		return nil, err
	}

	// Validate the generic document first so schema errors carry the YAML
	// author's field names, then decode into the typed form.
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse workflow yaml: %w", err)
	}
	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("workflow definition invalid: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode workflow yaml: %w", err)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// normalizeForSchema round-trips a YAML document through JSON so the schema
// validator sees the value shapes it expects.
func normalizeForSchema(doc any) (any, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize workflow document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return nil, fmt.Errorf("normalize workflow document: %w", err)
	}
	return normalized, nil
}

// validate applies the structural rules the schema cannot express: unique
// step names, resolvable dependencies, an acyclic graph.
func (d *Definition) validate() error {
	names := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if names[step.Name] {
			return fmt.Errorf("workflow %s: duplicate step name %q", d.Name, step.Name)
		}
		names[step.Name] = true
	}
	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !names[dep] {
				return fmt.Errorf("workflow %s: step %q depends on unknown step %q", d.Name, step.Name, dep)
			}
		}
	}
	if _, err := orderSteps(d.Steps); err != nil {
		return fmt.Errorf("workflow %s: %w", d.Name, err)
	}
	handlers := make(map[string]bool, len(d.FailureHandling))
	for _, step := range d.FailureHandling {
		if handlers[step.Name] {
			return fmt.Errorf("workflow %s: duplicate failure handler %q", d.Name, step.Name)
		}
		handlers[step.Name] = true
	}
	return nil
}

// orderSteps computes the execution order: topological over depends_on with
// ties broken by declaration order.
func orderSteps(steps []StepSpec) ([]StepSpec, error) {
	done := make(map[string]bool, len(steps))
	emitted := make([]StepSpec, 0, len(steps))
	remaining := append([]StepSpec(nil), steps...)

	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, step := range remaining {
			ready := true
			for _, dep := range step.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				emitted = append(emitted, step)
				done[step.Name] = true
				progressed = true
			} else {
				next = append(next, step)
			}
		}
		if !progressed {
			stuck := make([]string, len(next))
			for i, step := range next {
				stuck[i] = step.Name
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("dependency cycle involving steps %v", stuck)
		}
		remaining = next
	}
	return emitted, nil
}

// Library holds every loaded workflow definition, keyed by name.
type Library struct {
	defs  map[string]*Definition
	names []string
}

// LoadLibrary reads workflow definitions from cfg.Dir when set, otherwise
// from the definitions embedded in the binary.
func LoadLibrary(cfg *config.WorkflowConfig) (*Library, error) {
	log := logger.Get("workflow")
	lib := &Library{defs: make(map[string]*Definition)}

	type source struct {
		name string
		raw  []byte
	}
	var sources []source

	if cfg != nil && cfg.Dir != "" {
		entries, err := os.ReadDir(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("read workflow dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isYAML(entry.Name()) {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(cfg.Dir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("read workflow %s: %w", entry.Name(), err)
			}
			sources = append(sources, source{name: entry.Name(), raw: raw})
		}
	} else {
		err := fs.WalkDir(embeddedDefinitions, "definitions", func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isYAML(path) {
				return err
			}
			raw, err := embeddedDefinitions.ReadFile(path)
			if err != nil {
				return err
			}
			sources = append(sources, source{name: filepath.Base(path), raw: raw})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read embedded workflows: %w", err)
		}
	}

	for _, src := range sources {
		def, err := Parse(src.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src.name, err)
		}
		if _, dup := lib.defs[def.Name]; dup {
			return nil, fmt.Errorf("%s: workflow %q is defined twice", src.name, def.Name)
		}
		lib.defs[def.Name] = def
		lib.names = append(lib.names, def.Name)
		log.Debug().Str("workflow", def.Name).Str("file", src.name).Int("steps", len(def.Steps)).Msg("loaded workflow definition")
	}
	sort.Strings(lib.names)
	log.Info().Int("count", len(lib.names)).Msg("workflow library ready")
	return lib, nil
}

// Get returns a definition by name.
func (l *Library) Get(name string) (*Definition, error) {
	def, ok := l.defs[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q (have %v)", name, l.names)
	}
	return def, nil
}

// Names lists the loaded workflow names, sorted.
func (l *Library) Names() []string {
	return append([]string(nil), l.names...)
}

func isYAML(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

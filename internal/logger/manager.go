// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maestrohq/maestro/internal/config"
)

// Manager hands out component-scoped loggers built from one LogConfig.
// Component levels may be overridden individually via config.Log.Levels.
type Manager struct {
	cfg     *config.LogConfig
	root    zerolog.Logger
	mu      sync.RWMutex
	loggers map[string]zerolog.Logger
	closers []io.Closer
}

// NewManager builds the root logger and its writers. With File unset logs go
// to stderr only; with File set a lumberjack writer rotates per the config.
func NewManager(cfg *config.LogConfig) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		loggers: make(map[string]zerolog.Logger),
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	writers := []io.Writer{consoleOrJSON(os.Stderr, cfg.Format)}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.Rotation.MaxSizeMB,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAgeDays,
			Compress:   cfg.Rotation.Compress,
		}
		m.closers = append(m.closers, rotated)
		writers = append(writers, rotated)
	}

	out := writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	root := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	if cfg.Sampling.Enabled {
		root = root.Sample(&zerolog.BurstSampler{
			Burst:       cfg.Sampling.Initial,
			Period:      cfg.Sampling.Tick,
			NextSampler: &zerolog.BasicSampler{N: cfg.Sampling.Thereafter},
		})
	}
	m.root = root
	return m, nil
}

func consoleOrJSON(w io.Writer, format string) io.Writer {
	if format != "console" {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
		FormatLevel: func(i any) string {
			return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
		},
	}
}

// Component returns the logger for a named component, creating it on first
// use. Per-component levels come from cfg.Levels, else the global level.
func (m *Manager) Component(name string) zerolog.Logger {
	m.mu.RLock()
	if l, ok := m.loggers[name]; ok {
		m.mu.RUnlock()
		return l
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loggers[name]; ok {
		return l
	}

	level := ParseLevel(m.cfg.Level)
	if override, ok := m.cfg.Levels[name]; ok {
		level = ParseLevel(override)
	}
	l := m.root.With().Str("component", name).Logger().Level(level)
	m.loggers[name] = l
	return l
}

// SetComponentLevel adjusts one component's level at runtime.
func (m *Manager) SetComponentLevel(name, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.Levels == nil {
		m.cfg.Levels = make(map[string]string)
	}
	m.cfg.Levels[name] = level
	if l, ok := m.loggers[name]; ok {
		m.loggers[name] = l.Level(ParseLevel(level))
	}
}

// Close flushes and closes file writers.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close log writers: %v", errs)
	}
	return nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "PANIC":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

var (
	globalManager *Manager
	globalOnce    sync.Once
)

// Initialize installs the process-wide manager. Safe to call once; later
// calls are no-ops so tests and libraries cannot clobber the CLI's setup.
func Initialize(cfg *config.LogConfig) error {
	var err error
	globalOnce.Do(func() {
		globalManager, err = NewManager(cfg)
	})
	return err
}

// Get returns a component logger from the global manager. Before Initialize
// it returns a discard logger so packages can log unconditionally.
func Get(component string) zerolog.Logger {
	if globalManager == nil {
		return zerolog.New(io.Discard)
	}
	return globalManager.Component(component)
}

// CloseGlobal closes the global manager's writers if one was installed.
func CloseGlobal() error {
	if globalManager != nil {
		return globalManager.Close()
	}
	return nil
}

// Package logging wraps log/slog with per-module level overrides resolved
// through dot-notation module names.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// ModuleConfig resolves a log level for a dot-notation module name such as
// "queue" or "queue.worker", falling back to less specific ancestors and
// finally to a default level.
type ModuleConfig struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	overrides    map[string]slog.Level
}

// NewModuleConfig creates a ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{defaultLevel: defaultLevel, overrides: make(map[string]slog.Level)}
}

// SetLevel overrides the level for a module name and every name nested
// under it, unless a more specific override exists.
func (m *ModuleConfig) SetLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[module] = level
}

// LevelFor returns the most specific configured level for module, walking up
// the dot-separated hierarchy before falling back to the default.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for {
		if level, ok := m.overrides[module]; ok {
			return level
		}
		idx := strings.LastIndex(module, ".")
		if idx == -1 {
			break
		}
		module = module[:idx]
	}
	return m.defaultLevel
}

// moduleHandler is a slog.Handler that filters and tags records by the
// module name baked into the Logger that produced them.
type moduleHandler struct {
	inner  slog.Handler
	config *ModuleConfig
	module string
}

func (h *moduleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.config.LevelFor(h.module)
}

func (h *moduleHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *moduleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleHandler{inner: h.inner.WithAttrs(attrs), config: h.config, module: h.module}
}

func (h *moduleHandler) WithGroup(name string) slog.Handler {
	return &moduleHandler{inner: h.inner.WithGroup(name), config: h.config, module: h.module}
}

var globalConfig = NewModuleConfig(slog.LevelInfo)

// Configure sets the process-wide default level and any per-module
// overrides, keyed by module name (e.g. "queue.worker": slog.LevelDebug).
func Configure(defaultLevel slog.Level, overrides map[string]slog.Level) {
	globalConfig.mu.Lock()
	globalConfig.defaultLevel = defaultLevel
	globalConfig.mu.Unlock()
	for module, level := range overrides {
		globalConfig.SetLevel(module, level)
	}
}

// New returns a *slog.Logger scoped to module, writing JSON to stderr and
// honoring globalConfig's per-module levels.
func New(module string) *slog.Logger {
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	h := &moduleHandler{inner: base, config: globalConfig, module: module}
	return slog.New(h).With("logger", module)
}

// Modules returns the configured module names in most-specific-first order,
// useful for diagnostics.
func (m *ModuleConfig) Modules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.overrides))
	for name := range m.overrides {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.Count(names[i], ".") > strings.Count(names[j], ".")
	})
	return names
}

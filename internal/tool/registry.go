package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"dlmdiag/internal/domain"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Registry is the fixed tool surface the server exposes. Tools keep the
// order they were registered in.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]domain.Tool
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{byName: make(map[string]domain.Tool), logger: logger}
}

// Register adds tools in order. Nothing is added if any name is empty or taken.
func (r *Registry) Register(tools ...domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Name()
		switch {
		case name == "":
			return fmt.Errorf("tool %T has no name", t)
		case r.byName[name] != nil || seen[name]:
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		seen[name] = true
	}
	for _, t := range tools {
		r.byName[t.Name()] = t
		r.order = append(r.order, t.Name())
		r.logger.Debug("registered tool", "name", t.Name())
	}
	return nil
}

func (r *Registry) Lookup(name string) (domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Execute runs the named tool with args.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return domain.ToolResult{}, fmt.Errorf("%w: %s (available: %s)", ErrUnknownTool, name, strings.Join(r.Names(), ", "))
	}
	start := time.Now()
	res, err := t.Execute(ctx, args)
	r.logger.Debug("tool finished", "tool", name, "elapsed", time.Since(start), "failed", err != nil || res.IsError)
	return res, err
}

// Definitions describes every tool in registration order.
func (r *Registry) Definitions() []domain.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.byName[name]
		defs = append(defs, domain.ToolDefinition{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds the JSON Schema object for a tool's arguments.
// Unknown arguments are rejected by the schema.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any, len(properties))
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// stringArg returns args[key]. A missing key reads as "", and ok is false
// only when the value is present but not a string.
func stringArg(args map[string]any, key string) (s string, ok bool) {
	v, present := args[key]
	if !present || v == nil {
		return "", true
	}
	s, ok = v.(string)
	return s, ok
}

func textResult(s string) domain.ToolResult {
	return domain.ToolResult{Text: s}
}

func errorResult(format string, a ...any) domain.ToolResult {
	return domain.ToolResult{Text: fmt.Sprintf(format, a...), IsError: true}
}

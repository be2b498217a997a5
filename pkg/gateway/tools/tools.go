// Package tools defines the function-calling surface exposed to the
// realtime AI endpoint.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Definition declares one callable function in the shape the realtime
// session configuration expects.
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Executor is one callable function.
type Executor interface {
	Name() string
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ErrorResult shapes a failure the model can read and recover from.
func ErrorResult(message string) map[string]any {
	return map[string]any{"status": "error", "message": message}
}

// Registry maps function names to executors. The AI-visible set is
// announced to the model; the internal set is reachable only from
// gateway code acting on the client's behalf.
type Registry struct {
	byName   map[string]Executor
	internal map[string]Executor
}

func NewRegistry(executors ...Executor) *Registry {
	registry := &Registry{
		byName:   make(map[string]Executor, len(executors)),
		internal: make(map[string]Executor),
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		registry.byName[ex.Name()] = ex
	}
	return registry
}

// RegisterInternal adds executors the model never sees.
func (r *Registry) RegisterInternal(executors ...Executor) {
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		r.internal[ex.Name()] = ex
	}
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

// Names lists the AI-visible functions in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the AI-visible declarations for the session
// configuration, ordered by name.
func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	defs := make([]Definition, 0, len(r.byName))
	for _, name := range r.Names() {
		defs = append(defs, r.byName[name].Definition())
	}
	return defs
}

// Execute runs the named AI-visible function. Every failure mode comes
// back as a structured error result so the dispatch loop always has a
// payload to hand the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) map[string]any {
	name = strings.TrimSpace(name)
	if r == nil {
		return ErrorResult(fmt.Sprintf("Unknown function: %s", name))
	}
	ex, ok := r.byName[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown function: %s", name))
	}
	out, err := ex.Execute(ctx, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error executing function call '%s': %s", name, err))
	}
	return out
}

// ExecuteInternal runs a function from the internal set under the same
// result contract as Execute.
func (r *Registry) ExecuteInternal(ctx context.Context, name string, args map[string]any) map[string]any {
	name = strings.TrimSpace(name)
	if r == nil {
		return ErrorResult(fmt.Sprintf("Unknown function: %s", name))
	}
	ex, ok := r.internal[name]
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown function: %s", name))
	}
	out, err := ex.Execute(ctx, args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error executing function call '%s': %s", name, err))
	}
	return out
}

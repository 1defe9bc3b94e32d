// Package templates holds the catalog of named workflow definitions and
// launches executions from them.
package templates

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/bizflow/internal/engine"
	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/pkg/schema"
)

// Launcher runs definitions. Satisfied by *engine.Engine.
type Launcher interface {
	Execute(ctx context.Context, def *engine.Definition, executionID string, params map[string]any) (*engine.Execution, error)
	Start(ctx context.Context, def *engine.Definition, executionID string, params map[string]any) (string, error)
}

// TemplateInfo is the listing entry for a template.
type TemplateInfo struct {
	ID          string `json:"template_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Steps       int    `json:"steps"`
	Parallel    bool   `json:"parallel_execution"`
	Builtin     bool   `json:"builtin"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	builtin   map[string]bool
	launcher  Launcher
	logger    *slog.Logger
}

// NewRegistry creates a registry seeded with the built-in catalog.
func NewRegistry(launcher Launcher, logger *slog.Logger) (*Registry, error) {
	catalog, err := BuiltinCatalog()
	if err != nil {
		return nil, err
	}
	return NewRegistryWithCatalog(catalog, launcher, logger), nil
}

// NewRegistryWithCatalog creates a registry over an already loaded catalog.
func NewRegistryWithCatalog(catalog map[string]*Template, launcher Launcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Registry{
		templates: make(map[string]*Template, len(catalog)),
		builtin:   make(map[string]bool, len(catalog)),
		launcher:  launcher,
		logger:    logger,
	}
	for id, tpl := range catalog {
		r.templates[id] = tpl
		r.builtin[id] = true
	}
	return r
}

// List returns every template sorted by id.
func (r *Registry) List() []TemplateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TemplateInfo, 0, len(r.templates))
	for id, tpl := range r.templates {
		d := tpl.Definition
		out = append(out, TemplateInfo{
			ID:          id,
			Name:        d.Name(),
			Description: d.Description(),
			Steps:       d.Len(),
			Parallel:    d.Parallel(),
			Builtin:     r.builtin[id],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the template's definition.
func (r *Registry) Get(id string) (*schema.WorkflowDefinition, error) {
	tpl, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	def := tpl.Definition.Schema()
	return &def, nil
}

// Definition returns the validated definition for id.
func (r *Registry) Definition(id string) (*engine.Definition, error) {
	tpl, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return tpl.Definition, nil
}

// Register validates def and adds it under def.ID.
func (r *Registry) Register(def schema.WorkflowDefinition) (*engine.Definition, error) {
	if def.CreatedBy == "" {
		def.CreatedBy = "agent"
	}
	d, err := engine.NewDefinition(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.templates[d.ID()]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "template %s already exists", d.ID()).
			WithDetails(map[string]any{"template_id": d.ID()})
	}
	r.templates[d.ID()] = &Template{Definition: d}
	r.logger.Info("workflow registered", slog.String("workflow_id", d.ID()), slog.Int("steps", d.Len()))
	return d, nil
}

// Launch runs template id to completion under a fresh execution id.
func (r *Registry) Launch(ctx context.Context, id string, params map[string]any) (*engine.Execution, error) {
	tpl, err := r.prepare(id, params)
	if err != nil {
		return nil, err
	}
	execID := uuid.NewString()
	logging.LogWith(logging.WithExecutionID(ctx, execID), r.logger).
		Info("launching template", slog.String("template_id", id))
	return r.launcher.Execute(ctx, tpl.Definition, execID, params)
}

// LaunchAsync starts template id in the background and returns the
// execution id for status polling.
func (r *Registry) LaunchAsync(ctx context.Context, id string, params map[string]any) (string, error) {
	return r.LaunchAsyncAs(ctx, id, uuid.NewString(), params)
}

// LaunchAsyncAs is LaunchAsync under a caller-chosen execution id, so the
// caller can subscribe to the run before its first event.
func (r *Registry) LaunchAsyncAs(ctx context.Context, id, execID string, params map[string]any) (string, error) {
	tpl, err := r.prepare(id, params)
	if err != nil {
		return "", err
	}
	logging.LogWith(logging.WithExecutionID(ctx, execID), r.logger).
		Info("starting template", slog.String("template_id", id))
	return r.launcher.Start(ctx, tpl.Definition, execID, params)
}

func (r *Registry) prepare(id string, params map[string]any) (*Template, error) {
	if r.launcher == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry has no launcher")
	}
	tpl, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := tpl.ValidateParams(params); err != nil {
		return nil, err
	}
	return tpl, nil
}

func (r *Registry) lookup(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %s not found", id).
			WithDetails(map[string]any{"template_id": id})
	}
	return tpl, nil
}

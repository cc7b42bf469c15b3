// Package registry manages the scripts that chat commands can trigger.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/models"
	"github.com/metorial/chatops/internal/store"
)

var (
	ErrDuplicateName    = errors.New("script name already registered")
	ErrDuplicatePattern = errors.New("command pattern already in use")
	ErrInvalidScript    = errors.New("invalid script")
	ErrNotFound         = errors.New("script not found")
)

// Store is the persistence the registry needs.
type Store interface {
	CreateScript(ctx context.Context, script *models.Script) error
	ListActiveScripts(ctx context.Context) ([]models.Script, error)
	GetActiveScriptByPattern(ctx context.Context, pattern string) (*models.Script, error)
	GetScriptByName(ctx context.Context, name string) (*models.Script, error)
	DeactivateScript(ctx context.Context, name string) error
	CountScripts(ctx context.Context) (int, error)
}

type Registry struct {
	store  Store
	logger *zap.Logger
}

func New(s Store, logger *zap.Logger) *Registry {
	return &Registry{store: s, logger: logger.Named("registry")}
}

// Register adds an active script. The pattern defaults to "/" + name.
func (r *Registry) Register(ctx context.Context, name, path, description, pattern string) (*models.Script, error) {
	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if name == "" || path == "" {
		return nil, fmt.Errorf("%w: name and path are required", ErrInvalidScript)
	}
	if strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("%w: name %q contains whitespace", ErrInvalidScript, name)
	}

	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "/" + name
	}
	if strings.ContainsAny(pattern, " \t\n") {
		return nil, fmt.Errorf("%w: pattern %q contains whitespace", ErrInvalidScript, pattern)
	}

	script := &models.Script{
		Name:           name,
		Path:           path,
		Description:    description,
		CommandPattern: pattern,
	}

	if err := r.store.CreateScript(ctx, script); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			if conflict.Column == "name" {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
			}
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePattern, pattern)
		}
		return nil, fmt.Errorf("create script: %w", err)
	}

	r.logger.Info("Script registered",
		zap.String("name", script.Name),
		zap.String("pattern", script.CommandPattern),
		zap.String("path", script.Path))
	return script, nil
}

// ListActive returns every active script in registration order.
func (r *Registry) ListActive(ctx context.Context) ([]models.Script, error) {
	scripts, err := r.store.ListActiveScripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	return scripts, nil
}

// FindByPattern returns the active script registered for pattern, or
// (nil, nil) if there is none.
func (r *Registry) FindByPattern(ctx context.Context, pattern string) (*models.Script, error) {
	script, err := r.store.GetActiveScriptByPattern(ctx, pattern)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find script by pattern %q: %w", pattern, err)
	}
	return script, nil
}

// Get returns the named script, including a deactivated one.
func (r *Registry) Get(ctx context.Context, name string) (*models.Script, error) {
	script, err := r.store.GetScriptByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get script %q: %w", name, err)
	}
	return script, nil
}

func (r *Registry) Deactivate(ctx context.Context, name string) error {
	if err := r.store.DeactivateScript(ctx, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("deactivate script: %w", err)
	}
	r.logger.Info("Script deactivated", zap.String("name", name))
	return nil
}

// DefaultScripts are registered on first start when the registry is empty.
var DefaultScripts = []models.Script{
	{Name: "hello", Path: "hello.sh", Description: "Print Hello World", CommandPattern: "/hello"},
	{Name: "system_info", Path: "system_info.sh", Description: "Show system information", CommandPattern: "/sysinfo"},
	{Name: "date", Path: "date.sh", Description: "Show the current date and time", CommandPattern: "/date"},
}

// SeedDefaults registers DefaultScripts if no script has ever been
// registered. It reports how many scripts it added.
func (r *Registry) SeedDefaults(ctx context.Context) (int, error) {
	count, err := r.store.CountScripts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count scripts: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	for _, s := range DefaultScripts {
		if _, err := r.Register(ctx, s.Name, s.Path, s.Description, s.CommandPattern); err != nil {
			return 0, err
		}
	}
	return len(DefaultScripts), nil
}

package steps

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/artgen/pkg/schema"
)

// Registry maps step kinds to executors. It is built explicitly at
// startup and passed to the engine.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
	}
}

// Register adds an executor. Returns error on duplicate kind.
func (r *Registry) Register(exec StepExecutor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "step executor is nil")
	}
	kind := exec.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "step executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step kind %q already registered", kind)
	}

	r.executors[kind] = exec
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(execs ...StepExecutor) {
	for _, e := range execs {
		if err := r.Register(e); err != nil {
			panic(err)
		}
	}
}

// Get retrieves the executor for kind.
func (r *Registry) Get(kind string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step kind %q not registered", kind)
	}
	return exec, nil
}

// Has checks if a kind is registered.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// List returns info for all registered kinds, sorted by kind.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for kind, e := range r.executors {
		info := Info{Kind: kind}
		if d, ok := e.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	infos := r.List()
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Kind
	}
	return out
}

// Count returns the number of registered kinds.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// Func adapts a function into a StepExecutor of the given kind.
func Func(kind string, fn func(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error)) StepExecutor {
	return &funcExecutor{kind: kind, fn: fn}
}

type funcExecutor struct {
	kind string
	fn   func(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error)
}

func (f *funcExecutor) Kind() string { return f.kind }

func (f *funcExecutor) Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	return f.fn(ctx, config, ec)
}

package tools

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m4xw311/agentd/errors"
)

type registered struct {
	tool   Tool
	schema *jsonschema.Resolved
}

// Registry holds all available tools. Schemas are compiled on Register.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds t, failing if its parameter schema does not compile or the
// name is already taken.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tool has no name")
	}
	resolved, err := compileSchema(t.Parameters())
	if err != nil {
		return errors.Wrapf(err, "invalid parameter schema for tool '%s'", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return errors.New("tool '%s' is already registered", name)
	}
	r.tools[name] = registered{tool: t, schema: resolved}
	return nil
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionDefs exports every tool for a provider request, sorted by name.
func (r *Registry) FunctionDefs() []FunctionDef {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]FunctionDef, 0, len(names))
	for _, name := range names {
		t := r.tools[name].tool
		defs = append(defs, FunctionDef{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// ValidateParams checks params against the named tool's schema and returns
// the validator's message on mismatch.
func (r *Registry) ValidateParams(name string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errors.New("tool '%s' is not registered", name)
	}
	if e.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := e.schema.Validate(params); err != nil {
		return errors.WithKind(errors.KindParameterValidation, err, "invalid parameters for '%s'", name)
	}
	return nil
}

func compileSchema(params map[string]any) (*jsonschema.Resolved, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema.Resolve(nil)
}

// Restrict unregisters every tool not in names and returns the names that
// matched no registered tool.
func (r *Registry) Restrict(names []string) (missing []string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.tools {
		if !keep[name] {
			delete(r.tools, name)
		}
	}
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-mockstate/logging"
)

// BundleVersion is the bundle format written by ExportAll.
const BundleVersion = 1

// Bundle is the import/export format: a list of self-validating definitions.
type Bundle struct {
	Version     int           `json:"version" yaml:"version"`
	Definitions []*Definition `json:"definitions" yaml:"definitions"`
}

// SkippedDefinition explains why Import left a definition out.
type SkippedDefinition struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	Reason       string `json:"reason" yaml:"reason"`
}

// ImportReport lists what Import did with each definition.
type ImportReport struct {
	Imported []string            `json:"imported" yaml:"imported"`
	Replaced []string            `json:"replaced,omitempty" yaml:"replaced,omitempty"`
	Skipped  []SkippedDefinition `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// DeleteHook runs after a definition is removed from the registry.
type DeleteHook func(ctx context.Context, resourceType string) error

// Registry stores state machine definitions by resource type. Reads hand out
// deep copies, so a fetched definition never changes under its holder.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	onDelete []DeleteHook
	logger   logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for hook failures.
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		defs:   make(map[string]*Definition),
		logger: logging.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OnDelete registers a hook run after Delete succeeds.
func (r *Registry) OnDelete(hook DeleteHook) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.onDelete = append(r.onDelete, hook)
	r.mu.Unlock()
}

func prepare(def *Definition) (*Definition, error) {
	if def == nil {
		return nil, &ValidationError{Issues: []Issue{{Message: "definition required"}}}
	}
	next := def.Clone()
	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Create stores a new definition.
func (r *Registry) Create(def *Definition) error {
	next, err := prepare(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[next.ResourceType]; exists {
		return cloneError(ErrConflict, "", nil, map[string]any{"resource_type": next.ResourceType})
	}
	r.defs[next.ResourceType] = next
	return nil
}

// Update replaces an existing definition.
func (r *Registry) Update(def *Definition) error {
	next, err := prepare(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[next.ResourceType]; !exists {
		return notFound("state machine", next.ResourceType, "")
	}
	r.defs[next.ResourceType] = next
	return nil
}

// Get returns a deep copy of the definition for resourceType.
func (r *Registry) Get(resourceType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(resourceType)]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Has reports whether a definition is registered without copying it.
func (r *Registry) Has(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[strings.TrimSpace(resourceType)]
	return ok
}

// Lookup is Get that returns NotFound for unknown resource types.
func (r *Registry) Lookup(resourceType string) (*Definition, error) {
	def, ok := r.Get(resourceType)
	if !ok {
		return nil, notFound("state machine", strings.TrimSpace(resourceType), "")
	}
	return def, nil
}

// Delete removes a definition and then runs the delete hooks.
func (r *Registry) Delete(ctx context.Context, resourceType string) error {
	resourceType = strings.TrimSpace(resourceType)
	r.mu.Lock()
	if _, exists := r.defs[resourceType]; !exists {
		r.mu.Unlock()
		return notFound("state machine", resourceType, "")
	}
	delete(r.defs, resourceType)
	hooks := append([]DeleteHook(nil), r.onDelete...)
	r.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, resourceType); err != nil {
			r.logger.Warn("state machine %s delete hook failed: %v", resourceType, err)
		}
	}
	return nil
}

// List returns copies of every definition sorted by resource type.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceType < out[j].ResourceType })
	return out
}

// ExportAll returns every definition as a bundle.
func (r *Registry) ExportAll() *Bundle {
	return &Bundle{Version: BundleVersion, Definitions: r.List()}
}

// Import upserts each definition of b. Invalid definitions are skipped and
// reported without blocking the rest of the bundle.
func (r *Registry) Import(b *Bundle) (*ImportReport, error) {
	if b == nil || len(b.Definitions) == 0 {
		return nil, cloneError(ErrImport, "bundle has no definitions", nil, nil)
	}
	if b.Version > BundleVersion {
		return nil, cloneError(ErrImport, "unsupported bundle version", nil, map[string]any{
			"version":   b.Version,
			"supported": BundleVersion,
		})
	}
	report := &ImportReport{Imported: []string{}}
	for i, def := range b.Definitions {
		next, err := prepare(def)
		if err != nil {
			name := ""
			if def != nil {
				name = strings.TrimSpace(def.ResourceType)
			}
			if name == "" {
				name = fmt.Sprintf("definitions[%d]", i)
			}
			report.Skipped = append(report.Skipped, SkippedDefinition{ResourceType: name, Reason: err.Error()})
			continue
		}
		r.mu.Lock()
		_, existed := r.defs[next.ResourceType]
		r.defs[next.ResourceType] = next
		r.mu.Unlock()
		report.Imported = append(report.Imported, next.ResourceType)
		if existed {
			report.Replaced = append(report.Replaced, next.ResourceType)
		}
	}
	return report, nil
}

// ParseBundle decodes a YAML or JSON bundle. A bare definition list is accepted too.
func ParseBundle(data []byte) (*Bundle, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, cloneError(ErrImport, "empty bundle", nil, nil)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, cloneError(ErrImport, "malformed bundle", err, nil)
	}
	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	var b Bundle
	switch root.Kind {
	case yaml.SequenceNode:
		b.Version = BundleVersion
		if err := root.Decode(&b.Definitions); err != nil {
			return nil, cloneError(ErrImport, "malformed bundle", err, nil)
		}
	case yaml.MappingNode:
		if err := root.Decode(&b); err != nil {
			return nil, cloneError(ErrImport, "malformed bundle", err, nil)
		}
	default:
		return nil, cloneError(ErrImport, "bundle must be a mapping or a list", nil, nil)
	}
	return &b, nil
}

// MarshalBundle encodes b as "yaml" (default) or "json".
func MarshalBundle(b *Bundle, format string) ([]byte, error) {
	if b == nil {
		b = &Bundle{Version: BundleVersion}
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return json.MarshalIndent(b, "", "  ")
	case "", "yaml", "yml":
		return yaml.Marshal(b)
	default:
		return nil, fmt.Errorf("unsupported bundle format %q", format)
	}
}

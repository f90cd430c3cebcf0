package mockstate

import (
	"context"
	"fmt"
	"os"

	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/scenario"
	"github.com/goliatone/go-mockstate/store"
)

// CreateDefinition registers a new state machine.
func (e *Engine) CreateDefinition(def *scenario.Definition) error { return e.registry.Create(def) }

// UpdateDefinition replaces an existing state machine. Live instances keep
// their current state.
func (e *Engine) UpdateDefinition(def *scenario.Definition) error { return e.registry.Update(def) }

// DeleteDefinition removes a state machine and drops its instances.
func (e *Engine) DeleteDefinition(ctx context.Context, resourceType string) error {
	return e.registry.Delete(ctx, resourceType)
}

// Definition returns a copy of a registered state machine.
func (e *Engine) Definition(resourceType string) (*scenario.Definition, error) {
	return e.registry.Lookup(resourceType)
}

// Definitions lists every state machine sorted by resource type.
func (e *Engine) Definitions() []*scenario.Definition { return e.registry.List() }

// Export returns every state machine as a bundle.
func (e *Engine) Export() *scenario.Bundle { return e.registry.ExportAll() }

// Import upserts the definitions of b.
func (e *Engine) Import(b *scenario.Bundle) (*scenario.ImportReport, error) {
	report, err := e.registry.Import(b)
	if err != nil {
		return nil, err
	}
	for _, skipped := range report.Skipped {
		e.logger.Warn("skipped state machine %s: %s", skipped.ResourceType, skipped.Reason)
	}
	return report, nil
}

// ImportBytes parses a YAML or JSON bundle and imports it.
func (e *Engine) ImportBytes(raw []byte) (*scenario.ImportReport, error) {
	b, err := scenario.ParseBundle(raw)
	if err != nil {
		return nil, err
	}
	return e.Import(b)
}

// ImportFile imports the bundle stored at path.
func (e *Engine) ImportFile(path string) (*scenario.ImportReport, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", path, err)
	}
	report, err := e.ImportBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("import bundle %s: %w", path, err)
	}
	e.logger.Info("imported %d state machines from %s", len(report.Imported), path)
	return report, nil
}

// Instance returns the state instance of a resource without creating it.
func (e *Engine) Instance(ctx context.Context, resourceType, resourceID string) (*store.InstanceRecord, error) {
	inst, err := e.tracker.Load(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, notFound("instance", store.NewKey(resourceType, resourceID))
	}
	return inst, nil
}

// Instances lists the instances of a resource type.
func (e *Engine) Instances(ctx context.Context, resourceType string) ([]*store.InstanceRecord, error) {
	return e.tracker.List(ctx, resourceType)
}

// ResetInstance destroys an instance so the next request starts over.
func (e *Engine) ResetInstance(ctx context.Context, resourceType, resourceID string) (bool, error) {
	return e.tracker.Reset(ctx, resourceType, resourceID)
}

// NextStates previews the transitions available to a resource for req.
func (e *Engine) NextStates(ctx context.Context, resourceType, resourceID string, req condition.Request) ([]scenario.Candidate, error) {
	return e.tracker.NextStates(ctx, resourceType, resourceID, req)
}

// ForceTransition applies transitionID without its guard. An empty id takes
// the first transition leaving the current state.
func (e *Engine) ForceTransition(ctx context.Context, resourceType, resourceID, transitionID string) (*scenario.Outcome, error) {
	return e.executor.Force(ctx, resourceType, resourceID, transitionID, condition.Request{})
}

// Entity returns a live entity.
func (e *Engine) Entity(ctx context.Context, resourceType, id string) (*store.Entity, error) {
	key := store.NewKey(resourceType, id)
	ent, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, notFound("entity", key)
	}
	return ent, nil
}

// PutEntity creates or replaces an entity.
func (e *Engine) PutEntity(ctx context.Context, ent *store.Entity) (*store.Entity, error) {
	return e.store.Put(ctx, ent)
}

// DeleteEntity tombstones an entity and destroys its state instance.
func (e *Engine) DeleteEntity(ctx context.Context, resourceType, id string) error {
	key := store.NewKey(resourceType, id)
	existed, err := e.store.Delete(ctx, key)
	if err != nil {
		return err
	}
	if !existed {
		return notFound("entity", key)
	}
	return nil
}

// Entities lists the live entities of a type.
func (e *Engine) Entities(ctx context.Context, resourceType string) ([]*store.Entity, error) {
	return e.store.List(ctx, resourceType)
}

// Related follows a named relation from an entity.
func (e *Engine) Related(ctx context.Context, resourceType, id, relation string) ([]*store.Entity, error) {
	key := store.NewKey(resourceType, id)
	if _, err := e.Entity(ctx, resourceType, id); err != nil {
		return nil, err
	}
	return e.store.Related(ctx, key, relation)
}

// Snapshot copies the store contents. Only the memory backend supports it.
func (e *Engine) Snapshot() (*store.Snapshot, error) {
	mem, ok := e.store.(*store.MemoryStore)
	if !ok {
		return nil, unsupported("snapshot", e.cfg.Store.Backend)
	}
	return mem.Snapshot(), nil
}

// Restore replaces the store contents with snap.
func (e *Engine) Restore(snap *store.Snapshot) error {
	mem, ok := e.store.(*store.MemoryStore)
	if !ok {
		return unsupported("restore", e.cfg.Store.Backend)
	}
	mem.Restore(snap)
	return nil
}

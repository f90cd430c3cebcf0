// Package store is the virtual entity store: simulated backend records with
// relations, tombstones and expiry, plus the persisted state instances and
// their append-only transition history.
package store

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Key identifies an entity or a state instance.
type Key struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	ID           string `json:"id" yaml:"id"`
}

// NewKey returns a trimmed key.
func NewKey(resourceType, id string) Key {
	return Key{ResourceType: strings.TrimSpace(resourceType), ID: strings.TrimSpace(id)}
}

func (k Key) String() string { return k.ResourceType + "/" + k.ID }

// Valid reports whether both parts are set.
func (k Key) Valid() bool { return k.ResourceType != "" && k.ID != "" }

// Relation links an entity to another entity by name.
type Relation struct {
	Name       string `json:"name" yaml:"name"`
	TargetType string `json:"target_type" yaml:"target_type"`
	TargetID   string `json:"target_id" yaml:"target_id"`
}

// Target returns the key of the related entity.
func (r Relation) Target() Key { return NewKey(r.TargetType, r.TargetID) }

// Entity is a virtual record of a simulated backend resource.
type Entity struct {
	ResourceType string         `json:"resource_type" yaml:"resource_type"`
	ID           string         `json:"id" yaml:"id"`
	Fields       map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	Relations    []Relation     `json:"relations,omitempty" yaml:"relations,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
	Version      int            `json:"version" yaml:"version"`
}

// Key returns the entity key.
func (e *Entity) Key() Key { return NewKey(e.ResourceType, e.ID) }

// Tombstoned reports whether the entity was deleted or swept.
func (e *Entity) Tombstoned() bool { return e != nil && e.DeletedAt != nil }

// Expired reports whether the entity expiry is at or before now.
func (e *Entity) Expired(now time.Time) bool {
	return e != nil && e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Live reports whether the entity is visible at now.
func (e *Entity) Live(now time.Time) bool {
	return e != nil && !e.Tombstoned() && !e.Expired(now)
}

// TransitionKind distinguishes guard-selected transitions from operator overrides.
type TransitionKind string

const (
	KindGuarded TransitionKind = "guarded"
	KindForced  TransitionKind = "forced"
)

// TraceStep is one step taken inside a sub-scenario.
type TraceStep struct {
	TransitionID string            `json:"transition_id,omitempty" yaml:"transition_id,omitempty"`
	From         string            `json:"from" yaml:"from"`
	To           string            `json:"to" yaml:"to"`
	Nested       *SubScenarioTrace `json:"nested,omitempty" yaml:"nested,omitempty"`
}

// SubScenarioTrace records how a delegated sub-scenario ran.
type SubScenarioTrace struct {
	Name       string      `json:"name" yaml:"name"`
	InstanceID string      `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	Steps      []TraceStep `json:"steps,omitempty" yaml:"steps,omitempty"`
	FinalState string      `json:"final_state" yaml:"final_state"`
	StepsUsed  int         `json:"steps_used" yaml:"steps_used"`
}

// TransitionRecord is an immutable history entry.
type TransitionRecord struct {
	Seq              int               `json:"seq" yaml:"seq"`
	TransitionID     string            `json:"transition_id,omitempty" yaml:"transition_id,omitempty"`
	From             string            `json:"from" yaml:"from"`
	To               string            `json:"to" yaml:"to"`
	Kind             TransitionKind    `json:"kind" yaml:"kind"`
	Fingerprint      string            `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Timestamp        time.Time         `json:"timestamp" yaml:"timestamp"`
	SubScenarioTrace *SubScenarioTrace `json:"sub_scenario_trace,omitempty" yaml:"sub_scenario_trace,omitempty"`
}

// InstanceRecord is the persisted state instance of one resource.
type InstanceRecord struct {
	ResourceType string             `json:"resource_type" yaml:"resource_type"`
	ResourceID   string             `json:"resource_id" yaml:"resource_id"`
	CurrentState string             `json:"current_state" yaml:"current_state"`
	StateData    map[string]any     `json:"state_data,omitempty" yaml:"state_data,omitempty"`
	History      []TransitionRecord `json:"history,omitempty" yaml:"history,omitempty"`
	CreatedAt    time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at" yaml:"updated_at"`
	Version      int                `json:"version" yaml:"version"`
}

// Key returns the instance key.
func (r *InstanceRecord) Key() Key { return NewKey(r.ResourceType, r.ResourceID) }

// Store is the durable key-value-with-relations boundary used by the engine.
type Store interface {
	Get(ctx context.Context, key Key) (*Entity, error)
	Put(ctx context.Context, entity *Entity) (*Entity, error)
	Delete(ctx context.Context, key Key) (bool, error)
	List(ctx context.Context, resourceType string) ([]*Entity, error)
	Related(ctx context.Context, key Key, relation string) ([]*Entity, error)
	Referrers(ctx context.Context, key Key) ([]Key, error)
	SweepExpired(ctx context.Context) ([]Key, error)
	LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error)
	ListInstances(ctx context.Context, resourceType string) ([]*InstanceRecord, error)
	RunInTransaction(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional boundary. Writes become visible only when the
// callback passed to RunInTransaction returns nil.
type Tx interface {
	Get(ctx context.Context, key Key) (*Entity, error)
	Put(ctx context.Context, entity *Entity) (*Entity, error)
	LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error)
	SaveInstanceIfVersion(ctx context.Context, rec *InstanceRecord, expectedVersion int) (newVersion int, err error)
	AppendHistory(ctx context.Context, key Key, rec TransitionRecord) (TransitionRecord, error)
	DeleteInstance(ctx context.Context, key Key) error
}

// DeleteInstances resets every instance of resourceType in one transaction.
func DeleteInstances(ctx context.Context, s Store, resourceType string) (int, error) {
	instances, err := s.ListInstances(ctx, resourceType)
	if err != nil {
		return 0, err
	}
	if len(instances) == 0 {
		return 0, nil
	}
	err = s.RunInTransaction(ctx, func(tx Tx) error {
		for _, inst := range instances {
			if err := tx.DeleteInstance(ctx, inst.Key()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

func normalizeEntity(e *Entity) (*Entity, error) {
	if e == nil {
		return nil, cloneError(ErrInvalidEntity, "entity required", nil, nil)
	}
	out := CloneEntity(e)
	out.ResourceType = strings.TrimSpace(out.ResourceType)
	out.ID = strings.TrimSpace(out.ID)
	if !out.Key().Valid() {
		return nil, cloneError(ErrInvalidEntity, "entity resource type and id required", nil, map[string]any{
			"resource_type": out.ResourceType,
			"id":            out.ID,
		})
	}
	if strings.Contains(out.ResourceType, ":") {
		return nil, cloneError(ErrInvalidEntity, "resource type must not contain ':'", nil, map[string]any{
			"resource_type": out.ResourceType,
		})
	}
	for idx, rel := range out.Relations {
		rel.Name = strings.TrimSpace(rel.Name)
		rel.TargetType = strings.TrimSpace(rel.TargetType)
		rel.TargetID = strings.TrimSpace(rel.TargetID)
		if rel.Name == "" || !rel.Target().Valid() {
			return nil, cloneError(ErrInvalidEntity, "relation name and target required", nil, map[string]any{
				"entity":   out.Key().String(),
				"relation": idx,
			})
		}
		out.Relations[idx] = rel
	}
	return out, nil
}

// prepareEntityPut folds next over the stored version and stamps timestamps.
func prepareEntityPut(existing, next *Entity, now time.Time) *Entity {
	next.UpdatedAt = now
	next.DeletedAt = nil
	next.CreatedAt = now
	next.Version = 1
	if existing == nil {
		return next
	}
	if !existing.Tombstoned() {
		next.CreatedAt = existing.CreatedAt
	}
	next.Version = existing.Version + 1
	return next
}

// validateRelations rejects relations whose target neither exists nor is tombstoned.
func validateRelations(ctx context.Context, e *Entity, lookup func(context.Context, Key) (*Entity, error)) error {
	self := e.Key()
	for _, rel := range e.Relations {
		target := rel.Target()
		if target == self {
			continue
		}
		found, err := lookup(ctx, target)
		if err != nil {
			return err
		}
		if found == nil {
			return cloneError(ErrDanglingRelation, "relation target does not exist", nil, map[string]any{
				"entity":   self.String(),
				"relation": rel.Name,
				"target":   target.String(),
			})
		}
	}
	return nil
}

// nextInstanceVersion applies optimistic versioning rules to next.
func nextInstanceVersion(next, current *InstanceRecord, expectedVersion int, now time.Time) (int, error) {
	next.ResourceType = strings.TrimSpace(next.ResourceType)
	next.ResourceID = strings.TrimSpace(next.ResourceID)
	if !next.Key().Valid() {
		return 0, cloneError(ErrInvalidEntity, "instance resource type and id required", nil, nil)
	}
	if strings.Contains(next.ResourceType, ":") {
		return 0, cloneError(ErrInvalidEntity, "resource type must not contain ':'", nil, map[string]any{
			"resource_type": next.ResourceType,
		})
	}
	if strings.TrimSpace(next.CurrentState) == "" {
		return 0, cloneError(ErrInvalidEntity, "instance state required", nil, nil)
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	if current == nil {
		if expectedVersion != 0 {
			return 0, versionConflict(next.Key(), expectedVersion, 0)
		}
		next.Version = 1
		next.History = nil
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	} else {
		if current.Version != expectedVersion {
			return 0, versionConflict(next.Key(), expectedVersion, current.Version)
		}
		next.Version = expectedVersion + 1
		next.CreatedAt = current.CreatedAt
		next.History = current.History
	}
	next.UpdatedAt = now
	return next.Version, nil
}

func sortEntities(items []*Entity) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ResourceType != items[j].ResourceType {
			return items[i].ResourceType < items[j].ResourceType
		}
		return items[i].ID < items[j].ID
	})
}

func sortInstances(items []*InstanceRecord) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ResourceType != items[j].ResourceType {
			return items[i].ResourceType < items[j].ResourceType
		}
		return items[i].ResourceID < items[j].ResourceID
	})
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ResourceType != keys[j].ResourceType {
			return keys[i].ResourceType < keys[j].ResourceType
		}
		return keys[i].ID < keys[j].ID
	})
}

package store

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-mockstate/clock"
)

// Option configures a store backend.
type Option func(*options)

type options struct {
	clock  clock.Clock
	prefix string
}

// WithClock sets the time source used for timestamps and expiry checks.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithPrefix sets the SQLite table prefix or the Redis key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = strings.TrimSpace(prefix)
	}
}

func buildOptions(defaultPrefix string, opts ...Option) options {
	o := options{prefix: defaultPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.clock = clock.Default(o.clock)
	if o.prefix == "" {
		o.prefix = defaultPrefix
	}
	return o
}

// backend is the raw key-value layer under kvStore. Reads return copies that
// include tombstones. apply must verify the read versions of a change set and
// commit its writes atomically, failing with a version conflict when any of
// them moved.
type backend interface {
	entity(ctx context.Context, key Key) (*Entity, error)
	instance(ctx context.Context, key Key) (*InstanceRecord, error)
	entityKeys(ctx context.Context, resourceType string) ([]Key, error)
	instanceKeys(ctx context.Context, resourceType string) ([]Key, error)
	apply(ctx context.Context, cs *changeSet) error
}

type readKind uint8

const (
	readEntity readKind = iota
	readInstance
)

type readKey struct {
	kind readKind
	key  Key
}

type changeSet struct {
	entities  map[Key]*Entity
	instances map[Key]*InstanceRecord
	dropped   map[Key]struct{}
	// reads holds the version of every record the transaction loaded from
	// the backend, 0 when it was missing.
	reads map[readKey]int
}

func newChangeSet() *changeSet {
	return &changeSet{
		entities:  make(map[Key]*Entity),
		instances: make(map[Key]*InstanceRecord),
		dropped:   make(map[Key]struct{}),
		reads:     make(map[readKey]int),
	}
}

func (c *changeSet) empty() bool {
	return len(c.entities) == 0 && len(c.instances) == 0 && len(c.dropped) == 0
}

func (c *changeSet) read(kind readKind, key Key, version int) {
	rk := readKey{kind: kind, key: key}
	if _, seen := c.reads[rk]; !seen {
		c.reads[rk] = version
	}
}

// verify compares every read version with the current one.
func (c *changeSet) verify(current func(readKey) (int, error)) error {
	for rk, expected := range c.reads {
		actual, err := current(rk)
		if err != nil {
			return err
		}
		if actual != expected {
			return versionConflict(rk.key, expected, actual)
		}
	}
	return nil
}

// kvStore implements Store semantics over a backend. Transactions run without
// a store-wide lock: they stage writes, remember what they read and commit
// optimistically. Per-resource serialization belongs to the caller.
type kvStore struct {
	backend backend
	clock   clock.Clock
}

func (s *kvStore) now() time.Time { return s.clock.Now().UTC() }

func (s *kvStore) Get(ctx context.Context, key Key) (*Entity, error) {
	key = NewKey(key.ResourceType, key.ID)
	if !key.Valid() {
		return nil, nil
	}
	e, err := s.backend.entity(ctx, key)
	if err != nil {
		return nil, backendError("get entity", err)
	}
	if !e.Live(s.now()) {
		return nil, nil
	}
	return e, nil
}

func (s *kvStore) Put(ctx context.Context, entity *Entity) (*Entity, error) {
	var saved *Entity
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		saved, err = tx.Put(ctx, entity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *kvStore) Delete(ctx context.Context, key Key) (bool, error) {
	deleted := false
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		deleted, err = tx.(*kvTx).tombstone(ctx, NewKey(key.ResourceType, key.ID))
		return err
	})
	return deleted, err
}

func (s *kvStore) List(ctx context.Context, resourceType string) ([]*Entity, error) {
	keys, err := s.backend.entityKeys(ctx, strings.TrimSpace(resourceType))
	if err != nil {
		return nil, backendError("list entities", err)
	}
	now := s.now()
	out := make([]*Entity, 0, len(keys))
	for _, key := range keys {
		e, err := s.backend.entity(ctx, key)
		if err != nil {
			return nil, backendError("list entities", err)
		}
		if e.Live(now) {
			out = append(out, e)
		}
	}
	sortEntities(out)
	return out, nil
}

func (s *kvStore) Related(ctx context.Context, key Key, relation string) ([]*Entity, error) {
	now := s.now()
	source, err := s.backend.entity(ctx, NewKey(key.ResourceType, key.ID))
	if err != nil {
		return nil, backendError("related", err)
	}
	if !source.Live(now) {
		return nil, nil
	}
	relation = strings.TrimSpace(relation)
	var out []*Entity
	for _, rel := range source.Relations {
		if relation != "" && rel.Name != relation {
			continue
		}
		target, err := s.backend.entity(ctx, rel.Target())
		if err != nil {
			return nil, backendError("related", err)
		}
		if target.Live(now) {
			out = append(out, target)
		}
	}
	return out, nil
}

func (s *kvStore) Referrers(ctx context.Context, key Key) ([]Key, error) {
	key = NewKey(key.ResourceType, key.ID)
	keys, err := s.backend.entityKeys(ctx, "")
	if err != nil {
		return nil, backendError("referrers", err)
	}
	now := s.now()
	var out []Key
	for _, candidate := range keys {
		e, err := s.backend.entity(ctx, candidate)
		if err != nil {
			return nil, backendError("referrers", err)
		}
		if !e.Live(now) {
			continue
		}
		for _, rel := range e.Relations {
			if rel.Target() == key {
				out = append(out, e.Key())
				break
			}
		}
	}
	sortKeys(out)
	return out, nil
}

func (s *kvStore) SweepExpired(ctx context.Context) ([]Key, error) {
	var swept []Key
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		kt := tx.(*kvTx)
		keys, err := s.backend.entityKeys(ctx, "")
		if err != nil {
			return backendError("sweep", err)
		}
		for _, key := range keys {
			e, err := kt.entity(ctx, key)
			if err != nil {
				return err
			}
			if e == nil || e.Tombstoned() || !e.Expired(kt.now) {
				continue
			}
			if _, err := kt.tombstone(ctx, key); err != nil {
				return err
			}
			swept = append(swept, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortKeys(swept)
	return swept, nil
}

func (s *kvStore) LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error) {
	key = NewKey(key.ResourceType, key.ID)
	if !key.Valid() {
		return nil, nil
	}
	rec, err := s.backend.instance(ctx, key)
	if err != nil {
		return nil, backendError("load instance", err)
	}
	return rec, nil
}

func (s *kvStore) ListInstances(ctx context.Context, resourceType string) ([]*InstanceRecord, error) {
	keys, err := s.backend.instanceKeys(ctx, strings.TrimSpace(resourceType))
	if err != nil {
		return nil, backendError("list instances", err)
	}
	out := make([]*InstanceRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.backend.instance(ctx, key)
		if err != nil {
			return nil, backendError("list instances", err)
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	sortInstances(out)
	return out, nil
}

// RunInTransaction stages writes in a change set and applies it atomically on success.
func (s *kvStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if fn == nil {
		return nil
	}
	tx := &kvTx{store: s, changes: newChangeSet(), now: s.now()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.changes.empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return backendError("commit", s.backend.apply(ctx, tx.changes))
}

type kvTx struct {
	store   *kvStore
	changes *changeSet
	now     time.Time
}

func (tx *kvTx) entity(ctx context.Context, key Key) (*Entity, error) {
	if e, ok := tx.changes.entities[key]; ok {
		return CloneEntity(e), nil
	}
	e, err := tx.store.backend.entity(ctx, key)
	if err != nil {
		return nil, backendError("get entity", err)
	}
	tx.changes.read(readEntity, key, entityVersion(e))
	return e, nil
}

func (tx *kvTx) instance(ctx context.Context, key Key) (*InstanceRecord, error) {
	if _, dropped := tx.changes.dropped[key]; dropped {
		return nil, nil
	}
	if rec, ok := tx.changes.instances[key]; ok {
		return CloneInstance(rec), nil
	}
	rec, err := tx.store.backend.instance(ctx, key)
	if err != nil {
		return nil, backendError("load instance", err)
	}
	tx.changes.read(readInstance, key, instanceVersion(rec))
	return rec, nil
}

func entityVersion(e *Entity) int {
	if e == nil {
		return 0
	}
	return e.Version
}

func instanceVersion(rec *InstanceRecord) int {
	if rec == nil {
		return 0
	}
	return rec.Version
}

func (tx *kvTx) Get(ctx context.Context, key Key) (*Entity, error) {
	e, err := tx.entity(ctx, NewKey(key.ResourceType, key.ID))
	if err != nil || !e.Live(tx.now) {
		return nil, err
	}
	return e, nil
}

func (tx *kvTx) Put(ctx context.Context, entity *Entity) (*Entity, error) {
	next, err := normalizeEntity(entity)
	if err != nil {
		return nil, err
	}
	existing, err := tx.entity(ctx, next.Key())
	if err != nil {
		return nil, err
	}
	if err := validateRelations(ctx, next, tx.entity); err != nil {
		return nil, err
	}
	next = prepareEntityPut(existing, next, tx.now)
	tx.changes.entities[next.Key()] = next
	return CloneEntity(next), nil
}

func (tx *kvTx) LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error) {
	return tx.instance(ctx, NewKey(key.ResourceType, key.ID))
}

func (tx *kvTx) SaveInstanceIfVersion(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	if rec == nil {
		return 0, cloneError(ErrInvalidEntity, "instance record required", nil, nil)
	}
	next := CloneInstance(rec)
	current, err := tx.instance(ctx, NewKey(next.ResourceType, next.ResourceID))
	if err != nil {
		return 0, err
	}
	version, err := nextInstanceVersion(next, current, expectedVersion, tx.now)
	if err != nil {
		return 0, err
	}
	key := next.Key()
	tx.changes.instances[key] = next
	delete(tx.changes.dropped, key)
	return version, nil
}

func (tx *kvTx) AppendHistory(ctx context.Context, key Key, rec TransitionRecord) (TransitionRecord, error) {
	key = NewKey(key.ResourceType, key.ID)
	inst, err := tx.instance(ctx, key)
	if err != nil {
		return TransitionRecord{}, err
	}
	if inst == nil {
		return TransitionRecord{}, cloneError(ErrInvalidEntity, "instance not found for history append", nil, map[string]any{
			"key": key.String(),
		})
	}
	rec = cloneRecord(rec)
	rec.Seq = len(inst.History) + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = tx.now
	}
	inst.History = append(inst.History, rec)
	tx.changes.instances[key] = inst
	return cloneRecord(rec), nil
}

func (tx *kvTx) DeleteInstance(_ context.Context, key Key) error {
	key = NewKey(key.ResourceType, key.ID)
	delete(tx.changes.instances, key)
	tx.changes.dropped[key] = struct{}{}
	return nil
}

// tombstone hides the entity, keeps it as a valid relation target and drops its instance.
func (tx *kvTx) tombstone(ctx context.Context, key Key) (bool, error) {
	e, err := tx.entity(ctx, key)
	if err != nil {
		return false, err
	}
	if e == nil || e.Tombstoned() {
		return false, nil
	}
	e.DeletedAt = timePtr(tx.now)
	e.UpdatedAt = tx.now
	e.Version++
	tx.changes.entities[key] = e
	return true, tx.DeleteInstance(ctx, key)
}

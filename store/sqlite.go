package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mockstate/clock"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists entities, relations, instances and history in SQLite.
type SQLiteStore struct {
	db             *sql.DB
	clock          clock.Clock
	entityTable    string
	relationTable  string
	instanceTable  string
	historyTable   string
	ownsConnection bool
}

// NewSQLiteStore builds a store over db and creates its tables when missing.
// Tables are named <prefix>_entities, <prefix>_relations, <prefix>_instances
// and <prefix>_history; the prefix defaults to "mockstate".
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("sqlite store not configured")
	}
	o := buildOptions("mockstate", opts...)
	s := &SQLiteStore{
		db:            db,
		clock:         o.clock,
		entityTable:   o.prefix + "_entities",
		relationTable: o.prefix + "_relations",
		instanceTable: o.prefix + "_instances",
		historyTable:  o.prefix + "_history",
	}
	if err := s.ensureSchema(ctx, db); err != nil {
		return nil, backendError("ensure schema", err)
	}
	return s, nil
}

// OpenSQLite opens dsn with the sqlite3 driver and builds a store over it.
// In-memory databases live in a single connection so every call shares them.
// File databases run in WAL mode with a pool, a busy timeout and write
// transactions that take the lock up front.
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	memory := isMemoryDSN(dsn)
	if !memory {
		dsn = withSQLiteParams(dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, backendError("open sqlite", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsConnection = true
	return s, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file::memory:") || strings.Contains(dsn, "mode=memory")
}

// sqliteFileParams are appended to file DSNs unless the caller set them.
var sqliteFileParams = []struct{ name, value string }{
	{"_busy_timeout", "5000"},
	{"_journal_mode", "WAL"},
	{"_txlock", "immediate"},
}

func withSQLiteParams(dsn string) string {
	for _, p := range sqliteFileParams {
		if strings.Contains(dsn, p.name+"=") {
			continue
		}
		sep := "&"
		if !strings.Contains(dsn, "?") {
			sep = "?"
		}
		dsn += sep + p.name + "=" + p.value
	}
	return dsn
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil || !s.ownsConnection {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time { return s.clock.Now().UTC() }

func (s *SQLiteStore) ops(q querier, now time.Time) *sqliteOps {
	return &sqliteOps{store: s, q: q, now: now}
}

func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Entity, error) {
	key = NewKey(key.ResourceType, key.ID)
	if !key.Valid() {
		return nil, nil
	}
	now := s.now()
	e, err := s.ops(s.db, now).entity(ctx, key)
	if err != nil || !e.Live(now) {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, entity *Entity) (*Entity, error) {
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

func (s *SQLiteStore) Delete(ctx context.Context, key Key) (bool, error) {
	deleted := false
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		var err error
		deleted, err = tx.(*sqliteTx).tombstone(ctx, NewKey(key.ResourceType, key.ID))
		return err
	})
	return deleted, err
}

func (s *SQLiteStore) List(ctx context.Context, resourceType string) ([]*Entity, error) {
	now := s.now()
	all, err := s.ops(s.db, now).entities(ctx, strings.TrimSpace(resourceType))
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(all))
	for _, e := range all {
		if e.Live(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Related(ctx context.Context, key Key, relation string) ([]*Entity, error) {
	now := s.now()
	ops := s.ops(s.db, now)
	source, err := ops.entity(ctx, NewKey(key.ResourceType, key.ID))
	if err != nil || !source.Live(now) {
		return nil, err
	}
	relation = strings.TrimSpace(relation)
	var out []*Entity
	for _, rel := range source.Relations {
		if relation != "" && rel.Name != relation {
			continue
		}
		target, err := ops.entity(ctx, rel.Target())
		if err != nil {
			return nil, err
		}
		if target.Live(now) {
			out = append(out, target)
		}
	}
	return out, nil
}

func (s *SQLiteStore) Referrers(ctx context.Context, key Key) ([]Key, error) {
	key = NewKey(key.ResourceType, key.ID)
	now := s.now()
	ops := s.ops(s.db, now)
	q := fmt.Sprintf(`SELECT DISTINCT resource_type, id FROM %s WHERE target_type = ? AND target_id = ?`, s.relationTable)
	rows, err := s.db.QueryContext(ctx, q, key.ResourceType, key.ID)
	if err != nil {
		return nil, backendError("referrers", err)
	}
	var candidates []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ResourceType, &k.ID); err != nil {
			_ = rows.Close()
			return nil, backendError("referrers", err)
		}
		candidates = append(candidates, k)
	}
	if err := rows.Close(); err != nil {
		return nil, backendError("referrers", err)
	}
	var out []Key
	for _, candidate := range candidates {
		e, err := ops.entity(ctx, candidate)
		if err != nil {
			return nil, err
		}
		if e.Live(now) {
			out = append(out, candidate)
		}
	}
	sortKeys(out)
	return out, nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context) ([]Key, error) {
	var swept []Key
	err := s.RunInTransaction(ctx, func(tx Tx) error {
		st := tx.(*sqliteTx)
		all, err := st.ops.entities(ctx, "")
		if err != nil {
			return err
		}
		for _, e := range all {
			if e.Tombstoned() || !e.Expired(st.ops.now) {
				continue
			}
			if _, err := st.tombstone(ctx, e.Key()); err != nil {
				return err
			}
			swept = append(swept, e.Key())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

func (s *SQLiteStore) LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error) {
	key = NewKey(key.ResourceType, key.ID)
	if !key.Valid() {
		return nil, nil
	}
	return s.ops(s.db, s.now()).instance(ctx, key, true)
}

func (s *SQLiteStore) ListInstances(ctx context.Context, resourceType string) ([]*InstanceRecord, error) {
	ops := s.ops(s.db, s.now())
	q := fmt.Sprintf(`SELECT resource_type, resource_id FROM %s`, s.instanceTable)
	args := []any{}
	if rt := strings.TrimSpace(resourceType); rt != "" {
		q += ` WHERE resource_type = ?`
		args = append(args, rt)
	}
	q += ` ORDER BY resource_type, resource_id`
	keys, err := queryKeys(ctx, s.db, q, args...)
	if err != nil {
		return nil, backendError("list instances", err)
	}
	out := make([]*InstanceRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := ops.instance(ctx, key, true)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// RunInTransaction executes fn in a DB transaction.
func (s *SQLiteStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if fn == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendError("begin", err)
	}
	store := &sqliteTx{ops: s.ops(tx, s.now())}
	if err := fn(store); err != nil {
		_ = tx.Rollback()
		return err
	}
	return backendError("commit", tx.Commit())
}

type sqliteTx struct {
	ops *sqliteOps
}

func (tx *sqliteTx) Get(ctx context.Context, key Key) (*Entity, error) {
	e, err := tx.ops.entity(ctx, NewKey(key.ResourceType, key.ID))
	if err != nil || !e.Live(tx.ops.now) {
		return nil, err
	}
	return e, nil
}

func (tx *sqliteTx) Put(ctx context.Context, entity *Entity) (*Entity, error) {
	next, err := normalizeEntity(entity)
	if err != nil {
		return nil, err
	}
	existing, err := tx.ops.entity(ctx, next.Key())
	if err != nil {
		return nil, err
	}
	if err := validateRelations(ctx, next, tx.ops.entity); err != nil {
		return nil, err
	}
	next = prepareEntityPut(existing, next, tx.ops.now)
	if err := tx.ops.writeEntity(ctx, next); err != nil {
		return nil, err
	}
	return CloneEntity(next), nil
}

func (tx *sqliteTx) LoadInstance(ctx context.Context, key Key) (*InstanceRecord, error) {
	return tx.ops.instance(ctx, NewKey(key.ResourceType, key.ID), true)
}

func (tx *sqliteTx) SaveInstanceIfVersion(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	if rec == nil {
		return 0, cloneError(ErrInvalidEntity, "instance record required", nil, nil)
	}
	next := CloneInstance(rec)
	current, err := tx.ops.instance(ctx, NewKey(next.ResourceType, next.ResourceID), false)
	if err != nil {
		return 0, err
	}
	if _, err := nextInstanceVersion(next, current, expectedVersion, tx.ops.now); err != nil {
		return 0, err
	}
	return tx.ops.saveInstance(ctx, next, expectedVersion)
}

func (tx *sqliteTx) AppendHistory(ctx context.Context, key Key, rec TransitionRecord) (TransitionRecord, error) {
	key = NewKey(key.ResourceType, key.ID)
	inst, err := tx.ops.instance(ctx, key, false)
	if err != nil {
		return TransitionRecord{}, err
	}
	if inst == nil {
		return TransitionRecord{}, cloneError(ErrInvalidEntity, "instance not found for history append", nil, map[string]any{
			"key": key.String(),
		})
	}
	return tx.ops.appendHistory(ctx, key, rec)
}

func (tx *sqliteTx) DeleteInstance(ctx context.Context, key Key) error {
	return tx.ops.deleteInstance(ctx, NewKey(key.ResourceType, key.ID))
}

func (tx *sqliteTx) tombstone(ctx context.Context, key Key) (bool, error) {
	e, err := tx.ops.entity(ctx, key)
	if err != nil {
		return false, err
	}
	if e == nil || e.Tombstoned() {
		return false, nil
	}
	now := tx.ops.now
	q := fmt.Sprintf(`UPDATE %s SET deleted_at=?, updated_at=?, version=version+1 WHERE resource_type=? AND id=?`, tx.ops.store.entityTable)
	if _, err := tx.ops.q.ExecContext(ctx, q, formatTimestamp(now), formatTimestamp(now), key.ResourceType, key.ID); err != nil {
		return false, backendError("tombstone", err)
	}
	return true, tx.ops.deleteInstance(ctx, key)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

// sqliteOps runs statements against either the database or an open transaction.
type sqliteOps struct {
	store *SQLiteStore
	q     querier
	now   time.Time
}

const entityColumns = `resource_type, id, fields, created_at, updated_at, expires_at, deleted_at, version`

func (o *sqliteOps) entity(ctx context.Context, key Key) (*Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE resource_type = ? AND id = ?`, entityColumns, o.store.entityTable)
	e, err := decodeEntity(o.q.QueryRowContext(ctx, q, key.ResourceType, key.ID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError("get entity", err)
	}
	if e.Relations, err = o.relations(ctx, key); err != nil {
		return nil, err
	}
	return e, nil
}

func (o *sqliteOps) entities(ctx context.Context, resourceType string) ([]*Entity, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s`, entityColumns, o.store.entityTable)
	args := []any{}
	if resourceType != "" {
		q += ` WHERE resource_type = ?`
		args = append(args, resourceType)
	}
	q += ` ORDER BY resource_type, id`
	rows, err := o.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, backendError("list entities", err)
	}
	var out []*Entity
	for rows.Next() {
		e, err := decodeEntity(rows)
		if err != nil {
			_ = rows.Close()
			return nil, backendError("list entities", err)
		}
		out = append(out, e)
	}
	if err := rows.Close(); err != nil {
		return nil, backendError("list entities", err)
	}
	for _, e := range out {
		if e.Relations, err = o.relations(ctx, e.Key()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *sqliteOps) relations(ctx context.Context, key Key) ([]Relation, error) {
	q := fmt.Sprintf(`SELECT name, target_type, target_id FROM %s WHERE resource_type = ? AND id = ? ORDER BY position`, o.store.relationTable)
	rows, err := o.q.QueryContext(ctx, q, key.ResourceType, key.ID)
	if err != nil {
		return nil, backendError("load relations", err)
	}
	defer rows.Close()
	var out []Relation
	for rows.Next() {
		var rel Relation
		if err := rows.Scan(&rel.Name, &rel.TargetType, &rel.TargetID); err != nil {
			return nil, backendError("load relations", err)
		}
		out = append(out, rel)
	}
	return out, backendError("load relations", rows.Err())
}

func (o *sqliteOps) writeEntity(ctx context.Context, e *Entity) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return cloneError(ErrInvalidEntity, "entity fields not serializable", err, nil)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, id) DO UPDATE SET
			fields=excluded.fields,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			expires_at=excluded.expires_at,
			deleted_at=excluded.deleted_at,
			version=excluded.version`, o.store.entityTable, entityColumns)
	if _, err := o.q.ExecContext(ctx, q,
		e.ResourceType,
		e.ID,
		string(fieldsJSON),
		formatTimestamp(e.CreatedAt),
		formatTimestamp(e.UpdatedAt),
		nullTimestamp(e.ExpiresAt),
		nullTimestamp(e.DeletedAt),
		e.Version,
	); err != nil {
		return backendError("put entity", err)
	}

	del := fmt.Sprintf(`DELETE FROM %s WHERE resource_type = ? AND id = ?`, o.store.relationTable)
	if _, err := o.q.ExecContext(ctx, del, e.ResourceType, e.ID); err != nil {
		return backendError("put relations", err)
	}
	ins := fmt.Sprintf(`INSERT INTO %s (resource_type, id, position, name, target_type, target_id) VALUES (?, ?, ?, ?, ?, ?)`, o.store.relationTable)
	for idx, rel := range e.Relations {
		if _, err := o.q.ExecContext(ctx, ins, e.ResourceType, e.ID, idx, rel.Name, rel.TargetType, rel.TargetID); err != nil {
			return backendError("put relations", err)
		}
	}
	return nil
}

func (o *sqliteOps) instance(ctx context.Context, key Key, withHistory bool) (*InstanceRecord, error) {
	q := fmt.Sprintf(`SELECT resource_type, resource_id, current_state, state_data, created_at, updated_at, version FROM %s WHERE resource_type = ? AND resource_id = ?`, o.store.instanceTable)
	var (
		rec       InstanceRecord
		stateJSON sql.NullString
		createdAt string
		updatedAt string
	)
	err := o.q.QueryRowContext(ctx, q, key.ResourceType, key.ID).Scan(
		&rec.ResourceType,
		&rec.ResourceID,
		&rec.CurrentState,
		&stateJSON,
		&createdAt,
		&updatedAt,
		&rec.Version,
	)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, backendError("load instance", err)
	}
	if stateJSON.Valid && stateJSON.String != "" {
		if err := json.Unmarshal([]byte(stateJSON.String), &rec.StateData); err != nil {
			return nil, backendError("decode state data", err)
		}
	}
	rec.CreatedAt, _ = parseTimestamp(createdAt)
	rec.UpdatedAt, _ = parseTimestamp(updatedAt)
	if withHistory {
		if rec.History, err = o.history(ctx, key); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}

func (o *sqliteOps) saveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	stateJSON, err := json.Marshal(rec.StateData)
	if err != nil {
		return 0, cloneError(ErrInvalidEntity, "state data not serializable", err, nil)
	}
	if expectedVersion <= 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (resource_type, resource_id, current_state, state_data, created_at, updated_at, version) VALUES (?, ?, ?, ?, ?, ?, 1)`, o.store.instanceTable)
		result, err := o.q.ExecContext(ctx, q,
			rec.ResourceType,
			rec.ResourceID,
			rec.CurrentState,
			string(stateJSON),
			formatTimestamp(rec.CreatedAt),
			formatTimestamp(rec.UpdatedAt),
		)
		if err != nil {
			return 0, backendError("save instance", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return 0, versionConflict(rec.Key(), 0, -1)
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	q := fmt.Sprintf(`UPDATE %s SET current_state=?, state_data=?, updated_at=?, version=? WHERE resource_type=? AND resource_id=? AND version=?`, o.store.instanceTable)
	result, err := o.q.ExecContext(ctx, q,
		rec.CurrentState,
		string(stateJSON),
		formatTimestamp(rec.UpdatedAt),
		newVersion,
		rec.ResourceType,
		rec.ResourceID,
		expectedVersion,
	)
	if err != nil {
		return 0, backendError("save instance", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, versionConflict(rec.Key(), expectedVersion, -1)
	}
	return newVersion, nil
}

func (o *sqliteOps) deleteInstance(ctx context.Context, key Key) error {
	for _, table := range []string{o.store.historyTable, o.store.instanceTable} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE resource_type = ? AND resource_id = ?`, table)
		if _, err := o.q.ExecContext(ctx, q, key.ResourceType, key.ID); err != nil {
			return backendError("delete instance", err)
		}
	}
	return nil
}

func (o *sqliteOps) history(ctx context.Context, key Key) ([]TransitionRecord, error) {
	q := fmt.Sprintf(`SELECT seq, transition_id, from_state, to_state, kind, fingerprint, timestamp, trace FROM %s WHERE resource_type = ? AND resource_id = ? ORDER BY seq`, o.store.historyTable)
	rows, err := o.q.QueryContext(ctx, q, key.ResourceType, key.ID)
	if err != nil {
		return nil, backendError("load history", err)
	}
	defer rows.Close()
	var out []TransitionRecord
	for rows.Next() {
		var (
			rec         TransitionRecord
			kind        string
			fingerprint sql.NullString
			transition  sql.NullString
			timestamp   string
			trace       sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &transition, &rec.From, &rec.To, &kind, &fingerprint, &timestamp, &trace); err != nil {
			return nil, backendError("load history", err)
		}
		rec.TransitionID = transition.String
		rec.Kind = TransitionKind(kind)
		rec.Fingerprint = fingerprint.String
		rec.Timestamp, _ = parseTimestamp(timestamp)
		if trace.Valid && trace.String != "" {
			rec.SubScenarioTrace = &SubScenarioTrace{}
			if err := json.Unmarshal([]byte(trace.String), rec.SubScenarioTrace); err != nil {
				return nil, backendError("decode trace", err)
			}
		}
		out = append(out, rec)
	}
	return out, backendError("load history", rows.Err())
}

func (o *sqliteOps) appendHistory(ctx context.Context, key Key, rec TransitionRecord) (TransitionRecord, error) {
	rec = cloneRecord(rec)
	var maxSeq int
	q := fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s WHERE resource_type = ? AND resource_id = ?`, o.store.historyTable)
	if err := o.q.QueryRowContext(ctx, q, key.ResourceType, key.ID).Scan(&maxSeq); err != nil {
		return TransitionRecord{}, backendError("append history", err)
	}
	rec.Seq = maxSeq + 1
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now
	}
	var trace sql.NullString
	if rec.SubScenarioTrace != nil {
		payload, err := json.Marshal(rec.SubScenarioTrace)
		if err != nil {
			return TransitionRecord{}, backendError("encode trace", err)
		}
		trace = sql.NullString{String: string(payload), Valid: true}
	}
	ins := fmt.Sprintf(`INSERT INTO %s (resource_type, resource_id, seq, transition_id, from_state, to_state, kind, fingerprint, timestamp, trace) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, o.store.historyTable)
	if _, err := o.q.ExecContext(ctx, ins,
		key.ResourceType,
		key.ID,
		rec.Seq,
		rec.TransitionID,
		rec.From,
		rec.To,
		string(rec.Kind),
		rec.Fingerprint,
		formatTimestamp(rec.Timestamp),
		trace,
	); err != nil {
		return TransitionRecord{}, backendError("append history", err)
	}
	return cloneRecord(rec), nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context, exec querier) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_type TEXT NOT NULL,
			id TEXT NOT NULL,
			fields TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			expires_at TEXT,
			deleted_at TEXT,
			version INTEGER NOT NULL,
			PRIMARY KEY (resource_type, id)
		)`, s.entityTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_type TEXT NOT NULL,
			id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			PRIMARY KEY (resource_type, id, position)
		)`, s.relationTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_target_idx ON %s (target_type, target_id)`, s.relationTable, s.relationTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			current_state TEXT NOT NULL,
			state_data TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (resource_type, resource_id)
		)`, s.instanceTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			transition_id TEXT,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			kind TEXT NOT NULL,
			fingerprint TEXT,
			timestamp TEXT NOT NULL,
			trace TEXT,
			PRIMARY KEY (resource_type, resource_id, seq)
		)`, s.historyTable),
	}
	for _, stmt := range ddl {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntity(row sqlRowScanner) (*Entity, error) {
	var (
		e          Entity
		fieldsJSON sql.NullString
		createdAt  string
		updatedAt  string
		expiresAt  sql.NullString
		deletedAt  sql.NullString
	)
	if err := row.Scan(&e.ResourceType, &e.ID, &fieldsJSON, &createdAt, &updatedAt, &expiresAt, &deletedAt, &e.Version); err != nil {
		return nil, err
	}
	if fieldsJSON.Valid && fieldsJSON.String != "" {
		if err := json.Unmarshal([]byte(fieldsJSON.String), &e.Fields); err != nil {
			return nil, err
		}
	}
	e.CreatedAt, _ = parseTimestamp(createdAt)
	e.UpdatedAt, _ = parseTimestamp(updatedAt)
	if ts, ok := parseTimestamp(expiresAt.String); ok {
		e.ExpiresAt = &ts
	}
	if ts, ok := parseTimestamp(deletedAt.String); ok {
		e.DeletedAt = &ts
	}
	return &e, nil
}

func queryKeys(ctx context.Context, q querier, query string, args ...any) ([]Key, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ResourceType, &k.ID); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullTimestamp(value *time.Time) sql.NullString {
	if value == nil || value.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTimestamp(*value), Valid: true}
}

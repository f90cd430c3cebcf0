package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// RedisClient captures the minimal commands needed from a redis client.
// Get returns "" with a nil error when the key does not exist.
//
// Commit watches the given keys, runs check against their current values and,
// when check passes, applies writes and deletes in one MULTI/EXEC. A watched
// key changing before EXEC fails the commit with a version conflict.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Commit(ctx context.Context, watch []string, check CommitCheck, writes map[string]string, deletes []string) error
}

// CommitCheck validates watched keys before a commit. get reads a key inside
// the watch and returns "" when it is missing.
type CommitCheck func(get func(key string) (string, error)) error

// RedisStore persists entities and instances as JSON documents in redis.
// Commits are optimistic: the keys a transaction read are watched and
// re-checked, so no process lock is held across round trips.
type RedisStore struct {
	*kvStore
	prefix string
}

// NewRedisStore builds a store using the provided client. Keys are
// namespaced by WithPrefix, "mockstate:" by default.
func NewRedisStore(client RedisClient, opts ...Option) *RedisStore {
	o := buildOptions("mockstate:", opts...)
	rb := &redisBackend{client: client, prefix: o.prefix}
	return &RedisStore{
		kvStore: &kvStore{backend: rb, clock: o.clock},
		prefix:  o.prefix,
	}
}

type redisBackend struct {
	client RedisClient
	prefix string
}

func (r *redisBackend) entityKey(key Key) string {
	return r.prefix + "entity:" + key.ResourceType + ":" + key.ID
}

func (r *redisBackend) instanceKey(key Key) string {
	return r.prefix + "instance:" + key.ResourceType + ":" + key.ID
}

func (r *redisBackend) readKey(rk readKey) string {
	if rk.kind == readEntity {
		return r.entityKey(rk.key)
	}
	return r.instanceKey(rk.key)
}

func (r *redisBackend) configured() error {
	if r == nil || r.client == nil {
		return stderrors.New("redis store not configured")
	}
	return nil
}

func (r *redisBackend) entity(ctx context.Context, key Key) (*Entity, error) {
	if err := r.configured(); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, r.entityKey(key))
	if err != nil || raw == "" {
		return nil, err
	}
	var e Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *redisBackend) instance(ctx context.Context, key Key) (*InstanceRecord, error) {
	if err := r.configured(); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, r.instanceKey(key))
	if err != nil || raw == "" {
		return nil, err
	}
	var rec InstanceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *redisBackend) entityKeys(ctx context.Context, resourceType string) ([]Key, error) {
	return r.scanKeys(ctx, r.prefix+"entity:", resourceType)
}

func (r *redisBackend) instanceKeys(ctx context.Context, resourceType string) ([]Key, error) {
	return r.scanKeys(ctx, r.prefix+"instance:", resourceType)
}

func (r *redisBackend) scanKeys(ctx context.Context, base, resourceType string) ([]Key, error) {
	if err := r.configured(); err != nil {
		return nil, err
	}
	pattern := escapeGlob(base) + "*"
	if resourceType != "" {
		pattern = escapeGlob(base+resourceType+":") + "*"
	}
	raw, err := r.client.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(raw))
	for _, item := range raw {
		rest := strings.TrimPrefix(item, base)
		rt, id, ok := strings.Cut(rest, ":")
		if !ok || rt == "" || id == "" {
			continue
		}
		if resourceType != "" && rt != resourceType {
			continue
		}
		keys = append(keys, Key{ResourceType: rt, ID: id})
	}
	sortKeys(keys)
	return keys, nil
}

func (r *redisBackend) apply(ctx context.Context, cs *changeSet) error {
	if err := r.configured(); err != nil {
		return err
	}
	writes := make(map[string]string, len(cs.entities)+len(cs.instances))
	for key, e := range cs.entities {
		payload, err := json.Marshal(e)
		if err != nil {
			return err
		}
		writes[r.entityKey(key)] = string(payload)
	}
	for key, rec := range cs.instances {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		writes[r.instanceKey(key)] = string(payload)
	}
	deletes := make([]string, 0, len(cs.dropped))
	for key := range cs.dropped {
		if _, rewritten := cs.instances[key]; rewritten {
			continue
		}
		deletes = append(deletes, r.instanceKey(key))
	}
	watch := make([]string, 0, len(cs.reads))
	for rk := range cs.reads {
		watch = append(watch, r.readKey(rk))
	}
	check := func(get func(string) (string, error)) error {
		return cs.verify(func(rk readKey) (int, error) {
			raw, err := get(r.readKey(rk))
			if err != nil || raw == "" {
				return 0, err
			}
			var doc struct {
				Version int `json:"version"`
			}
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				return 0, err
			}
			return doc.Version, nil
		})
	}
	return r.client.Commit(ctx, watch, check, writes, deletes)
}

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	client goredis.UniversalClient
}

// NewGoRedisClient wraps client.
func NewGoRedisClient(client goredis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{client: client}
}

// Get returns the value at key, or "" when missing.
func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if stderrors.Is(err, goredis.Nil) {
		return "", nil
	}
	return val, err
}

// Keys lists keys matching pattern using SCAN.
func (c *GoRedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Commit applies writes and deletes in a single MULTI/EXEC block guarded by
// WATCH on the keys the transaction read.
func (c *GoRedisClient) Commit(ctx context.Context, watch []string, check CommitCheck, writes map[string]string, deletes []string) error {
	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		if check != nil {
			get := func(key string) (string, error) {
				val, err := tx.Get(ctx, key).Result()
				if stderrors.Is(err, goredis.Nil) {
					return "", nil
				}
				return val, err
			}
			if err := check(get); err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for key, value := range writes {
				pipe.Set(ctx, key, value, 0)
			}
			if len(deletes) > 0 {
				pipe.Del(ctx, deletes...)
			}
			return nil
		})
		return err
	}, watch...)
	if stderrors.Is(err, goredis.TxFailedErr) {
		return cloneError(ErrVersionConflict, "watched keys changed before commit", err, nil)
	}
	return err
}

// OpenRedis connects to the redis server at url and returns a store over it.
func OpenRedis(ctx context.Context, url string, opts ...Option) (*RedisStore, goredis.UniversalClient, error) {
	parsed, err := goredis.ParseURL(url)
	if err != nil {
		return nil, nil, cloneError(ErrBackend, "invalid redis url", err, nil)
	}
	client := goredis.NewClient(parsed)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, cloneError(ErrBackend, "redis ping failed", err, nil)
	}
	return NewRedisStore(NewGoRedisClient(client), opts...), client, nil
}

// Package denial remembers audit refs whose envelopes were denied. A denied
// audit ref is never cleared; correction requires a fresh evaluation under a
// new audit ref.
package denial

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps registry failures seen by callers that must fail
// closed.
var ErrUnavailable = errors.New("denial registry unavailable")

type Registry interface {
	Record(ctx context.Context, auditRef string, reason string) error
	IsDenied(ctx context.Context, auditRef string) (bool, error)
}

// Intent is one agent action as the evaluator sees it.
type Intent struct {
	AgentGID string
	Verb     string
	Target   string
}

func (in Intent) key() string {
	sum := sha256.Sum256([]byte(in.AgentGID + "\x00" + in.Verb + "\x00" + in.Target))
	return hex.EncodeToString(sum[:])
}

// IntentRegistry blocks re-evaluation of a denied intent until a correction
// clears it. Clearing an intent never clears the audit refs recorded for it.
type IntentRegistry interface {
	DenyIntent(ctx context.Context, in Intent, auditRef string) error
	IntentDenial(ctx context.Context, in Intent) (auditRef string, denied bool, err error)
	ClearIntent(ctx context.Context, in Intent) error
}

type MemoryRegistry struct {
	mu      sync.Mutex
	denied  map[string]string
	intents map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{denied: make(map[string]string), intents: make(map[string]string)}
}

// Record keeps the first reason seen for auditRef.
func (r *MemoryRegistry) Record(_ context.Context, auditRef string, reason string) error {
	if auditRef == "" {
		return fmt.Errorf("missing audit ref")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.denied[auditRef]; !ok {
		r.denied[auditRef] = reason
	}
	return nil
}

func (r *MemoryRegistry) IsDenied(_ context.Context, auditRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.denied[auditRef]
	return ok, nil
}

// Reason returns the reason recorded for auditRef.
func (r *MemoryRegistry) Reason(auditRef string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.denied[auditRef]
	return reason, ok
}

// DenyIntent keeps the audit ref of the first denial.
func (r *MemoryRegistry) DenyIntent(_ context.Context, in Intent, auditRef string) error {
	if auditRef == "" {
		return fmt.Errorf("missing audit ref")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[in.key()]; !ok {
		r.intents[in.key()] = auditRef
	}
	return nil
}

func (r *MemoryRegistry) IntentDenial(_ context.Context, in Intent) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.intents[in.key()]
	return ref, ok, nil
}

func (r *MemoryRegistry) ClearIntent(_ context.Context, in Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.intents, in.key())
	return nil
}

const defaultPrefix = "trust:denied:"

// RedisRegistry shares denials across gateway replicas. Keys are written with
// SETNX and carry no expiry.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRegistry wraps an existing client. An empty prefix uses
// "trust:denied:".
func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

// Dial connects to addr and pings it before returning. The caller owns the
// client and closes it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// DialRedis is Dial plus NewRedisRegistry. Close on the registry closes the
// client.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisRegistry, error) {
	client, err := Dial(ctx, addr, password, db)
	if err != nil {
		return nil, err
	}
	return NewRedisRegistry(client, prefix), nil
}

func (r *RedisRegistry) key(auditRef string) string {
	return r.prefix + auditRef
}

func (r *RedisRegistry) intentKey(in Intent) string {
	return r.prefix + "intent:" + in.key()
}

func (r *RedisRegistry) Record(ctx context.Context, auditRef string, reason string) error {
	if auditRef == "" {
		return fmt.Errorf("missing audit ref")
	}
	if err := r.client.SetNX(ctx, r.key(auditRef), reason, 0).Err(); err != nil {
		return fmt.Errorf("redis record denial: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IsDenied(ctx context.Context, auditRef string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(auditRef)).Result()
	if err != nil {
		return false, fmt.Errorf("redis denial lookup: %w", err)
	}
	return n > 0, nil
}

func (r *RedisRegistry) DenyIntent(ctx context.Context, in Intent, auditRef string) error {
	if auditRef == "" {
		return fmt.Errorf("missing audit ref")
	}
	if err := r.client.SetNX(ctx, r.intentKey(in), auditRef, 0).Err(); err != nil {
		return fmt.Errorf("redis record intent denial: %w", err)
	}
	return nil
}

func (r *RedisRegistry) IntentDenial(ctx context.Context, in Intent) (string, bool, error) {
	ref, err := r.client.Get(ctx, r.intentKey(in)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis intent lookup: %w", err)
	}
	return ref, true, nil
}

func (r *RedisRegistry) ClearIntent(ctx context.Context, in Intent) error {
	if err := r.client.Del(ctx, r.intentKey(in)).Err(); err != nil {
		return fmt.Errorf("redis clear intent: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

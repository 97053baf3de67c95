// Package issuance records the binding refs of envelopes this gateway issued.
// The gate refuses any envelope whose binding ref is not in the ledger.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

type Ledger interface {
	Record(ctx context.Context, bindingRef, auditRef string) error
	Issued(ctx context.Context, bindingRef string) (bool, error)
}

type MemoryLedger struct {
	mu     sync.Mutex
	issued map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{issued: make(map[string]string)}
}

func (l *MemoryLedger) Record(_ context.Context, bindingRef, auditRef string) error {
	if bindingRef == "" {
		return fmt.Errorf("missing binding ref")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.issued[bindingRef]; !ok {
		l.issued[bindingRef] = auditRef
	}
	return nil
}

func (l *MemoryLedger) Issued(_ context.Context, bindingRef string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.issued[bindingRef]
	return ok, nil
}

// AuditRef returns the audit ref the binding ref was issued under.
func (l *MemoryLedger) AuditRef(bindingRef string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref, ok := l.issued[bindingRef]
	return ref, ok
}

const defaultPrefix = "trust:issued:"

// RedisLedger shares issuance across gateway replicas. Keys never expire.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLedger(client redis.UniversalClient, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) Record(ctx context.Context, bindingRef, auditRef string) error {
	if bindingRef == "" {
		return fmt.Errorf("missing binding ref")
	}
	if err := l.client.SetNX(ctx, l.prefix+bindingRef, auditRef, 0).Err(); err != nil {
		return fmt.Errorf("redis record issuance: %w", err)
	}
	return nil
}

func (l *RedisLedger) Issued(ctx context.Context, bindingRef string) (bool, error) {
	err := l.client.Get(ctx, l.prefix+bindingRef).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis issuance lookup: %w", err)
	}
	return true, nil
}

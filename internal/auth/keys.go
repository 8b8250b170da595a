// Package auth covers the gateway's three entry credentials: bearer API
// keys, wallet-bound sessions, and per-call payment challenges.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrKeyUnknown is returned for keys that do not resolve to a tenant.
var ErrKeyUnknown = errors.New("auth: unknown API key")

const keyPrefix = "omni_"

// KV is the durable surface the stores need. infra.RedisAdapter satisfies
// it; tests use MemoryKV.
type KV interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// KeyRecord is the stored metadata for one API key. The key itself is
// never stored, only its SHA-256.
type KeyRecord struct {
	TenantID  string    `json:"tenant_id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyStore issues and validates bearer API keys.
type KeyStore struct {
	kv     KV
	logger *log.Logger
}

// NewKeyStore wires a key store over kv.
func NewKeyStore(kv KV) *KeyStore {
	return &KeyStore{
		kv:     kv,
		logger: log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func keySlot(hash string) string { return "auth:key:" + hash }

func indexSlot(tenant string) string { return "auth:tenantkeys:" + tenant }

// Create mints a new key for tenantID and returns the plaintext exactly
// once. Only the hash is persisted.
func (s *KeyStore) Create(ctx context.Context, tenantID, label string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: entropy: %w", err)
	}
	key := keyPrefix + hex.EncodeToString(raw)

	rec, err := json.Marshal(KeyRecord{TenantID: tenantID, Label: label, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", err
	}
	hash := hashKey(key)
	if err := s.kv.Set(ctx, keySlot(hash), rec, 0); err != nil {
		return "", fmt.Errorf("auth: store key: %w", err)
	}
	if err := s.indexAdd(ctx, tenantID, hash); err != nil {
		return "", err
	}
	s.logger.Printf("issued API key for tenant %s (label %q)", tenantID, label)
	return key, nil
}

// ValidateKey resolves a presented key to its tenant. Satisfies
// middleware.KeyValidator.
func (s *KeyStore) ValidateKey(ctx context.Context, key string) (string, error) {
	data, err := s.kv.Get(ctx, keySlot(hashKey(key)))
	if err != nil {
		return "", ErrKeyUnknown
	}
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("auth: corrupt key record: %w", err)
	}
	return rec.TenantID, nil
}

// Revoke deletes a key by its plaintext.
func (s *KeyStore) Revoke(ctx context.Context, key string) error {
	hash := hashKey(key)
	if data, err := s.kv.Get(ctx, keySlot(hash)); err == nil {
		var rec KeyRecord
		if json.Unmarshal(data, &rec) == nil {
			s.indexRemove(ctx, rec.TenantID, hash)
		}
	}
	return s.kv.Del(ctx, keySlot(hash))
}

// KeyInfo is one listed key: metadata plus a hash prefix for operator
// reference, never the key itself.
type KeyInfo struct {
	HashPrefix string    `json:"hash_prefix"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// List returns the tenant's active keys. Index entries whose record has
// been revoked out from under them are skipped.
func (s *KeyStore) List(ctx context.Context, tenantID string) ([]KeyInfo, error) {
	hashes, err := s.indexLoad(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, len(hashes))
	for _, h := range hashes {
		data, err := s.kv.Get(ctx, keySlot(h))
		if err != nil {
			continue
		}
		var rec KeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, KeyInfo{HashPrefix: h[:8], Label: rec.Label, CreatedAt: rec.CreatedAt})
	}
	return out, nil
}

func (s *KeyStore) indexLoad(ctx context.Context, tenantID string) ([]string, error) {
	data, err := s.kv.Get(ctx, indexSlot(tenantID))
	if err != nil {
		return nil, nil // no keys yet
	}
	var hashes []string
	if err := json.Unmarshal(data, &hashes); err != nil {
		return nil, fmt.Errorf("auth: corrupt key index for %s: %w", tenantID, err)
	}
	return hashes, nil
}

func (s *KeyStore) indexAdd(ctx context.Context, tenantID, hash string) error {
	hashes, err := s.indexLoad(ctx, tenantID)
	if err != nil {
		return err
	}
	hashes = append(hashes, hash)
	data, _ := json.Marshal(hashes)
	if err := s.kv.Set(ctx, indexSlot(tenantID), data, 0); err != nil {
		return fmt.Errorf("auth: update key index: %w", err)
	}
	return nil
}

func (s *KeyStore) indexRemove(ctx context.Context, tenantID, hash string) {
	hashes, err := s.indexLoad(ctx, tenantID)
	if err != nil || len(hashes) == 0 {
		return
	}
	kept := hashes[:0]
	for _, h := range hashes {
		if h != hash {
			kept = append(kept, h)
		}
	}
	data, _ := json.Marshal(kept)
	if err := s.kv.Set(ctx, indexSlot(tenantID), data, 0); err != nil {
		s.logger.Printf("key index update for %s failed: %v", tenantID, err)
	}
}

// MemoryKV is the in-memory KV used in tests and redis-less boots.
type MemoryKV struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem)}
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expires = time.Now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(m.items, key)
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return item.value, nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

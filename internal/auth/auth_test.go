package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "ops-alice", []string{RoleOperator})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "gk_") {
		t.Errorf("Expected raw key to start with gk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "gk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Name != "ops-alice" {
		t.Errorf("Expected name 'ops-alice', got %s", key.Name)
	}
	if !key.HasRole(RoleOperator) {
		t.Error("Expected key to carry operator role")
	}
	if key.HasRole(RoleGuardian) {
		t.Error("Key should not carry guardian role")
	}
}

func TestGenerateKeyRejectsUnknownRole(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	_, _, err := mgr.GenerateKey(context.Background(), "bad", []string{"superuser"})
	if err == nil {
		t.Fatal("Expected error for unknown role")
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	// Generate a key
	rawKey, _, err := mgr.GenerateKey(ctx, "primary", []string{RoleOperator, RoleGuardian})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.Name != "primary" {
		t.Errorf("Expected name primary, got %s", key.Name)
	}

	// Validate with Bearer prefix
	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "gk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateKeyConcurrent(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "hot-path", []string{RoleOperator})
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Concurrent validations must not share mutable key state: the
	// last-used touch happens on a private copy, and the memory store
	// hands out copies.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := mgr.ValidateKey(ctx, rawKey)
			if err != nil {
				t.Errorf("ValidateKey failed: %v", err)
				return
			}
			if key.Name != "hot-path" {
				t.Errorf("Expected name hot-path, got %s", key.Name)
			}
			_ = key.LastUsed
		}()
	}
	wg.Wait()
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	orig := &APIKey{ID: "ak_copytest", Hash: "h", Name: "original"}
	if err := store.Create(ctx, orig); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByHash(ctx, "h")
	if err != nil {
		t.Fatalf("GetByHash failed: %v", err)
	}
	got.Name = "mutated"

	again, _ := store.GetByHash(ctx, "h")
	if again.Name != "original" {
		t.Errorf("Store state leaked through returned pointer: got %s", again.Name)
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	mgr.GenerateKey(ctx, "key-1", []string{RoleOperator})
	mgr.GenerateKey(ctx, "key-2", []string{RoleOperator})
	mgr.GenerateKey(ctx, "key-3", []string{RoleGuardian})

	keys, err := mgr.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Expected 3 keys, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "to-revoke", []string{RoleOperator})

	// Validate before revoke
	_, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	// Revoke
	err = mgr.RevokeKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Validate after revoke - should fail
	_, err = mgr.ValidateKey(ctx, rawKey)
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	// Revoking an unknown ID fails
	if err := mgr.RevokeKey(ctx, "ak_missing"); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound, got: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "hash-check", nil)

	// Get key via ValidateKey
	key, _ := mgr.ValidateKey(ctx, rawKey)

	// Hash should not equal raw key
	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}

	// Hash should be set
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user_payer", RoleMember, "Test key")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rawKey, "sk_"))
	assert.Len(t, rawKey, 67) // "sk_" + 64 hex chars
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, "user_payer", key.UserID)
	assert.Equal(t, RoleMember, key.Role)
	assert.Equal(t, "Test key", key.Name)
	assert.NotContains(t, key.Hash, rawKey)
}

func TestGenerateKey_Rejects(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, err := mgr.GenerateKey(ctx, "  ", RoleMember, "x")
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, _, err = mgr.GenerateKey(ctx, "user_a", Role("admin"), "x")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "user_payee", RoleMember, "Primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)
	assert.Equal(t, "user_payee", key.UserID)

	key, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	require.NoError(t, err)
	assert.Equal(t, "user_payee", key.UserID)

	_, err = mgr.ValidateKey(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	_, err = mgr.ValidateKey(ctx, "pk_nottherightprefix")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = mgr.ValidateKey(ctx, "sk_"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestValidateKey_Expired(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user_a", RoleMember, "short-lived")
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	store.mu.Lock()
	store.keys[key.ID].ExpiresAt = &past
	store.mu.Unlock()

	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "user_a", RoleMember, "Key 1")
	_, _, _ = mgr.GenerateKey(ctx, "user_a", RoleMember, "Key 2")
	_, _, _ = mgr.GenerateKey(ctx, "user_b", RoleMember, "Other")

	keys, err := mgr.ListKeys(ctx, "user_a")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = mgr.ListKeys(ctx, "user_c")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user_a", RoleMember, "To revoke")
	require.NoError(t, err)

	_, err = mgr.ValidateKey(ctx, rawKey)
	require.NoError(t, err)

	// someone else cannot revoke it
	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, "user_b"), ErrKeyNotFound)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, "user_a"))
	_, err = mgr.ValidateKey(ctx, rawKey)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestIsArbiter(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, _, _ = mgr.GenerateKey(ctx, "user_member", RoleMember, "m")
	_, arb, _ := mgr.GenerateKey(ctx, "user_arbiter", RoleArbiter, "a")

	ok, err := mgr.IsArbiter(ctx, "user_member")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = mgr.IsArbiter(ctx, "user_arbiter")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mgr.IsArbiter(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	// revoking the only arbiter key drops the role
	require.NoError(t, mgr.RevokeKey(ctx, arb.ID, "user_arbiter"))
	ok, err = mgr.IsArbiter(ctx, "user_arbiter")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_UpdateDoesNotUnrevoke(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := &APIKey{ID: "ak_1", Hash: "h", UserID: "u", Role: RoleMember}
	require.NoError(t, store.Create(ctx, key))

	require.NoError(t, store.Update(ctx, &APIKey{ID: "ak_1", Revoked: true}))
	require.NoError(t, store.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()}))

	got, err := store.GetByHash(ctx, "h")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.False(t, got.LastUsed.IsZero())

	assert.ErrorIs(t, store.Update(ctx, &APIKey{ID: "missing"}), ErrKeyNotFound)
}

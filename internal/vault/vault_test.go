package vault

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalhook/tradegate/internal/model"
)

const testMasterKey = "8f2a1b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

func newTestVault(t *testing.T) (*Vault, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	v, err := New(testMasterKey, store)
	require.NoError(t, err)
	return v, store
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	_, err := New("not hex", NewMemoryStore())
	assert.Error(t, err)

	_, err = New("abcd", NewMemoryStore())
	assert.Error(t, err)
}

func TestStoreAndDecryptRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	id, err := v.Store(ctx, "Binance", "main", "AKIA12345678EXAMPLE", "super-secret")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var gotKey, gotSecret string
	err = v.WithDecrypted(ctx, id, func(apiKey, apiSecret string) error {
		gotKey, gotSecret = apiKey, apiSecret
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "AKIA12345678EXAMPLE", gotKey)
	assert.Equal(t, "super-secret", gotSecret)
}

func TestStoredSecretIsCiphertext(t *testing.T) {
	v, store := newTestVault(t)
	ctx := context.Background()

	id, err := v.Store(ctx, "binance", "", "key", "super-secret")
	require.NoError(t, err)

	cred, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(cred.Secret, []byte("super-secret")), "plaintext secret present in stored ciphertext")
	assert.NotEmpty(t, cred.Nonce)
}

func TestStoreRequiresKeyAndSecret(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Store(context.Background(), "binance", "", "", "secret")
	assert.Error(t, err)

	_, err = v.Store(context.Background(), "binance", "", "key", "")
	assert.Error(t, err)
}

func TestWrongMasterKeyCannotDecrypt(t *testing.T) {
	store := NewMemoryStore()
	v1, err := New(testMasterKey, store)
	require.NoError(t, err)
	id, err := v1.Store(context.Background(), "binance", "", "key", "secret")
	require.NoError(t, err)

	otherKey := hex.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	v2, err := New(otherKey, store)
	require.NoError(t, err)

	err = v2.WithDecrypted(context.Background(), id, func(_, _ string) error {
		t.Error("decryption callback ran with the wrong master key")
		return nil
	})
	assert.Error(t, err)
}

func TestListRedactsSecrets(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, "binance", "main", "AKIA12345678EXAMPLE", "super-secret")
	require.NoError(t, err)

	summaries, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)

	s := summaries[0]
	assert.Equal(t, "AKIA1234...", s.KeyPrefix)
	assert.NotContains(t, s.KeyPrefix, "EXAMPLE")
	assert.Equal(t, model.CredentialActive, s.Status)
}

func TestSummarizeShortKey(t *testing.T) {
	got := Summarize(&model.Credential{ApiKey: "abc", CreatedAt: time.Now()})
	assert.Equal(t, "abc...", got.KeyPrefix)
}

func TestRevokeBlocksDecryption(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	id, err := v.Store(ctx, "binance", "", "key", "secret")
	require.NoError(t, err)
	require.NoError(t, v.Revoke(ctx, id))

	err = v.WithDecrypted(ctx, id, func(_, _ string) error {
		t.Error("callback ran for a revoked credential")
		return nil
	})
	assert.ErrorIs(t, err, ErrRevoked)
}

func TestRevokeUnknownID(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Revoke(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithActivePicksNewestActive(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	_, err := v.Store(ctx, "binance", "old", "old-key", "old-secret")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	newID, err := v.Store(ctx, "binance", "new", "new-key", "new-secret")
	require.NoError(t, err)

	var used string
	err = v.WithActive(ctx, "Binance", func(apiKey, _ string) error {
		used = apiKey
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new-key", used, "should pick the newest active credential")

	// Revoking the newest falls back to the older active credential.
	require.NoError(t, v.Revoke(ctx, newID))
	err = v.WithActive(ctx, "binance", func(apiKey, _ string) error {
		used = apiKey
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "old-key", used)
}

func TestWithActiveNoCredential(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.WithActive(context.Background(), "binance", func(_, _ string) error {
		t.Error("callback ran with no stored credential")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

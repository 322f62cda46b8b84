package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTokenStoreIssueValidate(t *testing.T) {
	store := NewTokenStore("", time.Minute)
	defer store.Close()

	token, err := store.Issue(context.Background())
	require.NoError(t, err)

	ok, err := store.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryTokenStoreUnknownToken(t *testing.T) {
	store := NewTokenStore("", time.Minute)
	defer store.Close()

	ok, err := store.Validate(context.Background(), [16]byte{1, 2, 3})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStoreExpiry(t *testing.T) {
	store := NewTokenStore("", 10*time.Millisecond)
	defer store.Close()

	token, err := store.Issue(context.Background())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	ok, err := store.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, ok, "expired token fails closed")
}

func TestMemoryTokenStoreRevoke(t *testing.T) {
	store := NewTokenStore("", time.Minute)
	defer store.Close()

	token, err := store.Issue(context.Background())
	require.NoError(t, err)
	require.NoError(t, store.Revoke(context.Background(), token))

	ok, err := store.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTokenStoreTokensAreUnique(t *testing.T) {
	store := NewTokenStore("", time.Minute)
	defer store.Close()

	a, err := store.Issue(context.Background())
	require.NoError(t, err)
	b, err := store.Issue(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestTokenStoreFactorySelectsRedis(t *testing.T) {
	store := NewTokenStore("127.0.0.1:6379", time.Minute)
	defer store.Close()

	_, ok := store.(*redisTokenStore)
	assert.True(t, ok)
}

func TestTokenKeyNamespacing(t *testing.T) {
	key := tokenKey([16]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Contains(t, key, tokenKeyPrefix)
	assert.Contains(t, key, "deadbeef")
}

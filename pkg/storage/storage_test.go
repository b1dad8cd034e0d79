package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentauth/pkg/seal"
)

func openTestSQLite(t *testing.T, path string, opts ...SQLiteOption) *SQLite {
	t.Helper()
	opts = append([]SQLiteOption{WithPollInterval(10 * time.Millisecond)}, opts...)
	st, err := OpenSQLite(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testKVContract(t *testing.T, kv KV) {
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "access_token_42", "value-42"))
	require.NoError(t, kv.Set(ctx, "access_token", "generic"))
	require.NoError(t, kv.Set(ctx, "oauth_owner", "42"))

	v, ok, err := kv.Get(ctx, "access_token_42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value-42", v)

	require.NoError(t, kv.Set(ctx, "access_token_42", "value-42b"))
	v, _, err = kv.Get(ctx, "access_token_42")
	require.NoError(t, err)
	assert.Equal(t, "value-42b", v)

	keys, err := kv.Keys(ctx, "access_token")
	require.NoError(t, err)
	assert.Equal(t, []string{"access_token", "access_token_42"}, keys)

	keys, err = kv.Keys(ctx, "access_token_")
	require.NoError(t, err)
	assert.Equal(t, []string{"access_token_42"}, keys)

	require.NoError(t, kv.Delete(ctx, "access_token_42"))
	require.NoError(t, kv.Delete(ctx, "access_token_42"), "deleting a missing key must be a no-op")

	_, ok, err = kv.Get(ctx, "access_token_42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryContract(t *testing.T) {
	testKVContract(t, NewMemory())
}

func TestSQLiteContract(t *testing.T) {
	testKVContract(t, openTestSQLite(t, filepath.Join(t.TempDir(), "kv.db")))
}

func TestPrefixedContract(t *testing.T) {
	inner := NewMemory()
	testKVContract(t, WithPrefix(inner, "tab:1:"))

	// nothing leaks outside the namespace
	keys, err := inner.Keys(context.Background(), "")
	require.NoError(t, err)
	for _, k := range keys {
		assert.Contains(t, k, "tab:1:")
	}
}

func TestPrefixedIsolation(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	a := WithPrefix(inner, "tab:a:")
	b := WithPrefix(inner, "tab:b:")

	require.NoError(t, a.Set(ctx, "auth_in_progress", "1"))

	_, ok, err := b.Get(ctx, "auth_in_progress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()

	ch, err := m.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Set(ctx, "oauth_owner", "42"))
	select {
	case c := <-ch:
		assert.Equal(t, "oauth_owner", c.Key)
	case <-time.After(time.Second):
		t.Fatal("no change observed")
	}

	// writing the same value again is not a change
	require.NoError(t, m.Set(ctx, "oauth_owner", "42"))
	// deleting a missing key is not a change
	require.NoError(t, m.Delete(ctx, "nothing"))
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPrefixedWatchFiltersForeignKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := NewMemory()
	p := WithPrefix(inner, "tab:a:")
	ch, err := p.Watch(ctx)
	require.NoError(t, err)
	require.NotNil(t, ch)

	require.NoError(t, inner.Set(ctx, "tab:b:auth_in_progress", "1"))
	require.NoError(t, p.Set(ctx, "auth_in_progress", "1"))

	select {
	case c := <-ch:
		assert.Equal(t, "auth_in_progress", c.Key)
	case <-time.After(time.Second):
		t.Fatal("no change observed")
	}
}

func TestSQLiteWatchSeesOtherConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first := openTestSQLite(t, path)
	second := openTestSQLite(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := first.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, second.Set(ctx, "oauth_owner", "99"))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("write from another connection not observed")
	}

	v, ok, err := first.Get(ctx, "oauth_owner")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "99", v)
}

func TestSQLiteSealsValues(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sealer, err := seal.NewSealer(key, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "sealed.db")
	sealed := openTestSQLite(t, path, WithSealer(sealer))
	plain := openTestSQLite(t, path)
	ctx := context.Background()

	require.NoError(t, sealed.Set(ctx, "access_token", "abc123abc123abc123abc123"))

	raw, ok, err := plain.Get(ctx, "access_token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, seal.IsSealed(raw))
	assert.NotContains(t, raw, "abc123")

	v, ok, err := sealed.Get(ctx, "access_token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc123abc123abc123abc123", v)

	// values written before sealing was enabled remain readable
	require.NoError(t, plain.Set(ctx, "oauth_owner", "42"))
	v, ok, err = sealed.Get(ctx, "oauth_owner")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "42", v)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "  ")
	assert.Error(t, err)
}

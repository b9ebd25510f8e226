package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// bucketContract exercises the Bucket semantics shared by all backends.
func bucketContract(t *testing.T, b Bucket) {
	t.Helper()

	_, ok, err := b.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Store("k", "v1"))
	value, ok, err := b.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", value)

	// Overwrite.
	require.NoError(t, b.Store("k", "v2"))
	value, _, err = b.Get("k")
	require.NoError(t, err)
	require.Equal(t, "v2", value)

	// Delete returns the removed value exactly once.
	value, ok, err = b.Delete("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", value)

	_, ok, err = b.Delete("k")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = b.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryBucket(t *testing.T) {
	b := NewMemoryBucket("offers")
	require.Equal(t, "offers", b.Name())
	bucketContract(t, b)
}

func TestSQLiteBucket(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := store.Bucket("offers")
	require.Equal(t, "offers", b.Name())
	bucketContract(t, b)
}

func TestSQLiteBucket_IsolatedByName(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	offers := store.Bucket("offers")
	answers := store.Bucket("answers")

	require.NoError(t, offers.Store("room", "offer-payload"))
	require.NoError(t, answers.Store("room", "answer-payload"))

	value, ok, err := offers.Get("room")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "offer-payload", value)

	// Clearing one bucket leaves the other untouched.
	_, ok, err = answers.Delete("room")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = offers.Get("room")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Bucket("settings").Store("stage_parameters", `{"prepare":{}}`))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	value, ok, err := reopened.Bucket("settings").Get("stage_parameters")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"prepare":{}}`, value)
}

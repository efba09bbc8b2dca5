package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"), "test")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// storeContract runs the same assertions against every IStore implementation.
func storeContract(t *testing.T, store IStore) {
	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("k1"), []byte("v1")))
		got, err := store.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		_, err = store.Get([]byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("returned values are copies", func(t *testing.T) {
		require.NoError(t, store.Put([]byte("copy"), []byte("abc")))
		got, err := store.Get([]byte("copy"))
		require.NoError(t, err)
		got[0] = 'z'
		again, err := store.Get([]byte("copy"))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})

	t.Run("prefix scan is ordered", func(t *testing.T) {
		for _, k := range []string{"p/3", "p/1", "q/1", "p/2"} {
			require.NoError(t, store.Put([]byte(k), []byte(k)))
		}
		var keys []string
		err := store.ForEachPrefix([]byte("p/"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p/1", "p/2", "p/3"}, keys)
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Update(func(tx KVTx) error {
			require.NoError(t, tx.Put([]byte("tx/a"), []byte("1")))
			require.NoError(t, tx.Delete([]byte("k1")))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = store.Get([]byte("tx/a"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get([]byte("k1"))
		assert.NoError(t, err)
	})

	t.Run("update sees its own writes", func(t *testing.T) {
		err := store.Update(func(tx KVTx) error {
			if err := tx.Put([]byte("own/b"), []byte("2")); err != nil {
				return err
			}
			if err := tx.Put([]byte("own/a"), []byte("1")); err != nil {
				return err
			}
			got, err := tx.Get([]byte("own/b"))
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("2"), got)
			var keys []string
			err = tx.ForEachPrefix([]byte("own/"), func(key, _ []byte) error {
				keys = append(keys, string(key))
				return nil
			})
			assert.Equal(t, []string{"own/a", "own/b"}, keys)
			if err != nil {
				return err
			}
			if err := tx.Delete([]byte("own/a")); err != nil {
				return err
			}
			_, err = tx.Get([]byte("own/a"))
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
		_, err = store.Get([]byte("own/a"))
		assert.ErrorIs(t, err, ErrNotFound)
		got, err := store.Get([]byte("own/b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)
	})

	t.Run("view", func(t *testing.T) {
		err := store.View(func(r KVReader) error {
			got, err := r.Get([]byte("k1"))
			if err != nil {
				return err
			}
			assert.Equal(t, []byte("v1"), got)
			return nil
		})
		assert.NoError(t, err)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStoreViewIsReadOnly(t *testing.T) {
	store := NewMemoryStore()
	err := store.View(func(r KVReader) error {
		return r.(KVTx).Put([]byte("k"), []byte("v"))
	})
	assert.Error(t, err)
}

func TestBoltStore(t *testing.T) {
	storeContract(t, newTestBoltStore(t))
}

func TestBoltStoreBucketsShareOneFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	votes, err := NewBoltStore(path, "votes")
	require.NoError(t, err)
	validators, err := votes.WithBucket("validators")
	require.NoError(t, err)

	require.NoError(t, votes.Put([]byte("k"), []byte("vote")))
	require.NoError(t, validators.Put([]byte("k"), []byte("validator")))

	got, err := votes.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("vote"), got)
	got, err = validators.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("validator"), got)
	assert.Equal(t, path, validators.Path())

	// Only the owner closes the database
	require.NoError(t, validators.Close())
	_, err = votes.Get([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, votes.Close())

	reopened, err := NewBoltStore(path, "validators")
	require.NoError(t, err)
	defer reopened.Close()
	got, err = reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("validator"), got)
}

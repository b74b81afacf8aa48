// Package storagetest holds the conformance suite every
// storage.Repository backend runs.
package storagetest

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/storage"
)

// Run exercises repo against the storage.Repository contract. The
// repository should be empty.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := t.Context()
	env := func(body string, version uint64) *storage.Envelope {
		return &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(body), Version: version}
	}

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "ROW", "r1", env(`{"a":1}`, 1)))
		got, err := repo.Get(ctx, "ns1", "ROW", "r1")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(got.Ciphertext))
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := repo.Get(ctx, "ns1", "ROW", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "no-such-namespace", "ROW", "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListScopedByType", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns2", "ROW", "a", env(`{}`, 0)))
		require.NoError(t, repo.Put(ctx, "ns2", "ROW", "b", env(`{}`, 0)))
		require.NoError(t, repo.Put(ctx, "ns2", "OTHER", "c", env(`{}`, 0)))
		ids, err := repo.List(ctx, "ns2", "ROW")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "empty-namespace", "ROW")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns3", "ROW", "gone", env(`{}`, 0)))
		require.NoError(t, repo.Delete(ctx, "ns3", "ROW", "gone"))
		_, err := repo.Get(ctx, "ns3", "ROW", "gone")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "ns3", "ROW", "gone"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ns4", "ROW", "c", 0, env(`{"v":1}`, 1)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "ROW", "c", 0, env(`{"v":1}`, 1)), storage.ErrCASFailed)
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "ROW", "c", 7, env(`{"v":2}`, 2)), storage.ErrCASFailed)
		require.NoError(t, repo.PutCAS(ctx, "ns4", "ROW", "c", 1, env(`{"v":2}`, 2)))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns4", "ROW", "new", 1, env(`{}`, 2)), storage.ErrCASFailed)

		got, err := repo.Get(ctx, "ns4", "ROW", "c")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns5", "ROW", "old", env(`{}`, 0)))
		err := repo.Batch(ctx, "ns5", func(tx storage.BatchTx) error {
			if err := tx.Put("ROW", "x", env(`{}`, 0)); err != nil {
				return err
			}
			if err := tx.PutCAS("ROW", "y", 0, env(`{}`, 1)); err != nil {
				return err
			}
			return tx.Delete("ROW", "old")
		})
		require.NoError(t, err)
		ids, err := repo.List(ctx, "ns5", "ROW")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"x", "y"}, ids)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns6", "ROW", "keep", env(`{"v":1}`, 1)))
		boom := errors.New("boom")
		err := repo.Batch(ctx, "ns6", func(tx storage.BatchTx) error {
			if err := tx.Put("ROW", "temp", env(`{}`, 0)); err != nil {
				return err
			}
			if err := tx.Delete("ROW", "keep"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = repo.Get(ctx, "ns6", "ROW", "temp")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = repo.Get(ctx, "ns6", "ROW", "keep")
		assert.NoError(t, err)
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, "ns7", func(tx storage.BatchTx) error {
			if err := tx.Put("ROW", "a", env(`{}`, 0)); err != nil {
				return err
			}
			return tx.PutCAS("ROW", "b", 5, env(`{}`, 6))
		})
		assert.ErrorIs(t, err, storage.ErrCASFailed)
		_, err = repo.Get(ctx, "ns7", "ROW", "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

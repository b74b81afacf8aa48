package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/backoffice/storage"
	"github.com/jmcleod/backoffice/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backoffice-test.db")
	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	return s, path
}

func TestBBoltRepository(t *testing.T) {
	s, _ := newTestStore(t)
	defer s.Close()
	storagetest.Run(t, s)
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)
	ctx := t.Context()
	env := &storage.Envelope{Ver: 1, Scheme: storage.SchemePlainJSON, Ciphertext: []byte(`{"id":"p1"}`), Version: 4}
	require.NoError(t, s.Put(ctx, "tables", "properties", "p1", env))
	require.NoError(t, s.Close())

	reopened, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "tables", "properties", "p1")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p1"}`, string(got.Ciphertext))
	assert.Equal(t, uint64(4), got.Version)
}

package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vrouter/internal/errors"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(DefaultOptions(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	mem, err := NewSQLiteStore(Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{
		"sqlite":        sq,
		"sqlite-memory": mem,
		"memory":        NewMemoryStore(),
	}
}

func TestStore_CRUD(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("b", "k")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

			require.NoError(t, s.Set("b", "k", []byte("v1")))
			require.NoError(t, s.Set("b", "k", []byte("v2")))
			require.NoError(t, s.Set("b", "other", []byte("x")))

			v, err := s.Get("b", "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(v))

			all, err := s.List("b")
			require.NoError(t, err)
			assert.Len(t, all, 2)

			require.NoError(t, s.Delete("b", "other"))
			assert.True(t, errors.Is(s.Delete("b", "other"), ErrNotFound))

			assert.Equal(t, uint64(4), s.CurrentVersion())
			changes, err := s.GetChangesSince(1)
			require.NoError(t, err)
			require.Len(t, changes, 3)
			assert.Equal(t, ChangeUpdate, changes[0].Type)
			assert.Equal(t, ChangeInsert, changes[1].Type)
			assert.Equal(t, ChangeDelete, changes[2].Type)
		})
	}
}

func TestStore_JSON(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			type doc struct {
				A string `json:"a"`
				N int    `json:"n"`
			}
			require.NoError(t, s.SetJSON("b", "doc", doc{A: "x", N: 3}))

			var got doc
			require.NoError(t, s.GetJSON("b", "doc", &got))
			assert.Equal(t, doc{A: "x", N: 3}, got)

			require.NoError(t, s.Set("b", "bad", []byte("{")))
			err := s.GetJSON("b", "bad", &got)
			assert.Equal(t, errors.KindInvalidDesired, errors.GetKind(err))
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	require.NoError(t, s.Set("b", "k", []byte("v")))
	require.NoError(t, s.Close())

	_, err = s.Get("b", "k")
	assert.True(t, errors.Is(err, ErrStoreClosed))

	s, err = NewSQLiteStore(DefaultOptions(path))
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get("b", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	assert.Equal(t, uint64(1), s.CurrentVersion())
}

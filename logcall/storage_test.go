package logcall

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func TestStorageCommon(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		store Storage
	}{
		{
			name:  "mem",
			store: NewMemStorage(),
		},
		{
			name:  "prefix",
			store: KeyPrefixStorage(NewMemStorage(), "prefix"),
		},
	}

	if !testing.Short() {
		dir := filepath.Join(t.TempDir(), "badger")
		badgerStorage, err := NewBadgerStorage(dir, 64, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(badgerStorage.Close)

		tests = append(tests, struct {
			name  string
			store Storage
		}{
			name:  "badger",
			store: badgerStorage,
		})
	}

	for _, tc := range tests {
		t.Run(tc.name+"_save_clear", func(t *testing.T) {
			require.NoError(t, tc.store.SaveState("t1", []byte{1, 2, 3}))
			require.NoError(t, tc.store.Clear())

			keys, err := tc.store.ListKeys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})

		t.Run(tc.name+"_save_load_delete", func(t *testing.T) {
			require.NoError(t, tc.store.Clear()) // ensure storage is reset
			data := []byte{1, 2, 3}

			require.NoError(t, tc.store.SaveState("t1", data))
			got, ok, err := tc.store.LoadState("t1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, data, got)
			require.NoError(t, tc.store.DeleteState("t1"))
			_, ok, err = tc.store.LoadState("t1")
			require.NoError(t, err)
			assert.False(t, ok)
		})

		t.Run(tc.name+"_list_keys", func(t *testing.T) {
			require.NoError(t, tc.store.Clear()) // ensure storage is reset

			require.NoError(t, tc.store.SaveState("a1", []byte{1}))
			require.NoError(t, tc.store.SaveState("a2", []byte{2}))
			require.NoError(t, tc.store.SaveState("b1", []byte{3}))

			keys, err := tc.store.ListKeys()
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a1", "a2", "b1"}, keys)

			keys, err = tc.store.ListKeysPrefix("a")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a1", "a2"}, keys)
		})

		t.Run(tc.name+"_content_keys", func(t *testing.T) {
			require.NoError(t, tc.store.Clear()) // ensure storage is reset
			// keys produced by the transform cache may hold any printable character
			key := contentKey([]byte("/src/p/file.go"), []byte("package p\n"))

			require.NoError(t, tc.store.SaveState(key, []byte{7}))
			got, ok, err := tc.store.LoadState(key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte{7}, got)
		})

		t.Run(tc.name+"_null_byte_truncate", func(t *testing.T) {
			require.NoError(t, tc.store.Clear()) // ensure storage is reset
			data := []byte{1, 2, 0, 4, 5}

			require.NoError(t, tc.store.SaveState("nullTest", data))
			got, ok, err := tc.store.LoadState("nullTest")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, data, got)
		})

		t.Run(tc.name+"_concurrent", func(t *testing.T) {
			require.NoError(t, tc.store.Clear()) // ensure storage is reset

			makeBlob := func(n int) []byte {
				b, _ := (&cacheEntry{Package: "p" + strconv.Itoa(n), Rewritten: make([]byte, 4096)}).MarshalMsgpack()
				return b
			}
			require.NoError(t, tc.store.SaveState("target", makeBlob(42)))

			// writer goroutine: churn the database while we read
			done := make(chan struct{})
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				var i int
				for {
					select {
					case <-done:
						return
					default:
					}
					_ = tc.store.SaveState("w"+strconv.Itoa(i%8), makeBlob(i))
					i++
				}
			}()

			for i := 0; i < 500; i++ {
				got, ok, err := tc.store.LoadState("target")
				require.NoError(t, err)
				require.True(t, ok)

				var out cacheEntry
				require.NoError(t, out.UnmarshalMsgpack(got))
				require.Equal(t, "p42", out.Package)
			}
			close(done)
			<-stopped
		})
	}
}

func TestKeyPrefixStorage(t *testing.T) {
	t.Parallel()

	base := NewMemStorage()
	a := KeyPrefixStorage(base, "a")
	b := KeyPrefixStorage(base, "b")

	require.NoError(t, a.SaveState("k", []byte{1}))
	require.NoError(t, b.SaveState("k", []byte{2}))

	keys, err := base.ListKeys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a;k", "b;k"}, keys)

	require.NoError(t, a.Clear())
	_, ok, err := a.LoadState("k")
	require.NoError(t, err)
	assert.False(t, ok)
	got, ok, err := b.LoadState("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, got)

	assert.Same(t, base, KeyPrefixStorage(base, ""))
}

func TestBadgerStorage(t *testing.T) {
	t.Run("persisted", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip in short mode")
		}
		t.Parallel()

		path := filepath.Join(t.TempDir(), "db")
		store, err := NewBadgerStorage(path, 16, nil)
		require.NoError(t, err)
		require.NoError(t, store.SaveState("t1", []byte{1, 2, 3}))
		store.Close()

		entries, err := os.ReadDir(path)
		require.NoError(t, err)
		assert.NotEmpty(t, entries)

		store, err = NewBadgerStorage(path, 16, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		got, ok, err := store.LoadState("t1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("large_blobs", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skip in short mode")
		}
		t.Parallel()

		store, err := NewBadgerStorage(filepath.Join(t.TempDir(), "db"), 16, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()

		blob, err := msgpack.Marshal(make([]byte, 2<<20))
		require.NoError(t, err)
		require.NoError(t, store.SaveState("large", blob))
		got, ok, err := store.LoadState("large")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, blob, got)
	})
}

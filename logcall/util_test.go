package logcall

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripedMutexSameKeyExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skip in short mode")
	}
	t.Parallel()

	sm := newStripedMutex(8)

	var mu sync.Mutex
	var running, maxRunning int
	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			l := sm.Lock("key")

			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()

			l.Unlock()
			wg.Done()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxRunning)
}

func TestLimitStringLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		input     string
		lineCount int
		head      bool
		expected  string
	}{
		{
			name:      "no_truncation",
			input:     "line1\nline2\nline3",
			lineCount: 4,
			head:      true,
			expected:  "line1\nline2\nline3",
		},
		{
			name:      "truncate_from_head",
			input:     "a\nb\nc\nd",
			lineCount: 2,
			head:      true,
			expected:  "a\nb",
		},
		{
			name:      "truncate_from_tail",
			input:     "a\nb\nc\nd",
			lineCount: 2,
			head:      false,
			expected:  "c\nd",
		},
		{
			name:      "empty_string",
			input:     "",
			lineCount: 1,
			head:      true,
			expected:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, limitStringLines(tt.input, tt.lineCount, tt.head))
		})
	}
}

func TestContentKey(t *testing.T) {
	t.Parallel()

	key := contentKey([]byte("/src/a.go"), []byte("package a\n"))
	assert.Equal(t, key, contentKey([]byte("/src/a.go"), []byte("package a\n")))
	assert.NotEmpty(t, key)

	t.Run("content_changes_key", func(t *testing.T) {
		assert.NotEqual(t, key, contentKey([]byte("/src/a.go"), []byte("package b\n")))
	})
	t.Run("path_changes_key", func(t *testing.T) {
		assert.NotEqual(t, key, contentKey([]byte("/src/b.go"), []byte("package a\n")))
	})
	t.Run("part_boundaries", func(t *testing.T) {
		assert.NotEqual(t, contentKey([]byte("ab"), []byte("c")), contentKey([]byte("a"), []byte("bc")))
	})
}

func TestErrGroupLimitCPU(t *testing.T) {
	t.Parallel()

	eg := ErrGroupLimitCPU()
	var mu sync.Mutex
	var count int
	for i := 0; i < 50; i++ {
		eg.Go(func() error {
			mu.Lock()
			defer mu.Unlock()
			count++
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, 50, count)
}

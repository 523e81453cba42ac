package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	generated := make([]string, total)
	for i := range generated {
		generated[i] = CreateULID()
	}

	for i, id := range generated {
		require.Len(t, id, 26)
		_, err := ulid.Parse(id)
		require.NoError(t, err)
		if i > 0 {
			assert.Less(t, generated[i-1], id, "ULIDs must be strictly increasing")
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := CreateULID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestCreatedAt(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := CreatedAt(CreateULID())
	require.NoError(t, err)
	assert.True(t, ts.After(before))

	_, err = CreatedAt("not-a-ulid")
	assert.Error(t, err)
}

func TestCreateTransactionID(t *testing.T) {
	first := CreateTransactionID()
	second := CreateTransactionID()

	_, err := uuid.Parse(first)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

package keyedmutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := New()

	const goroutines = 16
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("cell-1")
			defer km.Unlock("cell-1")
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines, counter)
	assert.Equal(t, 0, km.Len(), "lock map should drain when idle")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := New()

	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done // key "b" must not block behind key "a"
	km.Unlock("a")

	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_WithLockReleasesOnError(t *testing.T) {
	km := New()

	err := km.WithLock("svc-1", func() error {
		return assert.AnError
	})
	require.Error(t, err)

	// Lock must be released despite the error.
	acquired := make(chan struct{})
	go func() {
		km.Lock("svc-1")
		km.Unlock("svc-1")
		close(acquired)
	}()
	<-acquired
	assert.Equal(t, 0, km.Len())
}

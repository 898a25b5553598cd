package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsSameLockPerGroup(t *testing.T) {
	s := NewService()

	assert.Same(t, s.Get("acme"), s.Get("acme"))
	assert.NotSame(t, s.Get("acme"), s.Get("globex"))
}

func TestWithWriteSerializes(t *testing.T) {
	s := NewService()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithWrite("acme", func() error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
}

func TestGroupsAreIndependent(t *testing.T) {
	s := NewService()
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.WithWrite("acme", func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	done := make(chan struct{})
	go func() {
		_ = s.WithWrite("globex", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock of another group blocked")
	}
}

func TestReadersShareLock(t *testing.T) {
	s := NewService()
	inside := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = s.WithRead("acme", func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside

	err := s.WithRead("acme", func() error { return nil })
	require.NoError(t, err)
	close(release)
}

func TestWithWritePropagatesError(t *testing.T) {
	s := NewService()
	err := s.WithWrite("acme", func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	// lock was released
	assert.True(t, s.Get("acme").TryLock())
}

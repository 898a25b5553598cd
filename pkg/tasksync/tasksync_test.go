package tasksync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	s := New()
	const callers = 10

	var executions int32
	release := make(chan struct{})
	result := &struct{ n int }{n: 42}

	var wg sync.WaitGroup
	results := make([]*struct{ n int }, callers)
	joined := make([]bool, callers)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], joined[0], _ = Do(s, "sync-acme-site-1", func() (*struct{ n int }, error) {
			atomic.AddInt32(&executions, 1)
			<-release
			return result, nil
		})
	}()
	waitFor(t, func() bool { return s.InFlight("sync-acme-site-1") })

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], joined[i], _ = Do(s, "sync-acme-site-1", func() (*struct{ n int }, error) {
				atomic.AddInt32(&executions, 1)
				return nil, nil
			})
		}(i)
	}
	waitFor(t, func() bool { return s.Waiters("sync-acme-site-1") == callers-1 })

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), executions)
	for i := range results {
		assert.Same(t, result, results[i])
	}
	assert.False(t, joined[0])
	assert.True(t, joined[callers-1])
	assert.False(t, s.InFlight("sync-acme-site-1"))
}

func TestWaitersReceiveSameError(t *testing.T) {
	s := New()
	release := make(chan struct{})

	errs := make(chan error, 2)
	go func() {
		_, _, err := s.Perform("k", func() (any, error) {
			<-release
			return nil, assert.AnError
		})
		errs <- err
	}()
	waitFor(t, func() bool { return s.InFlight("k") })

	go func() {
		_, _, err := s.Perform("k", func() (any, error) { return "other", nil })
		errs <- err
	}()
	waitFor(t, func() bool { return s.Waiters("k") == 1 })
	close(release)

	assert.ErrorIs(t, <-errs, assert.AnError)
	assert.ErrorIs(t, <-errs, assert.AnError)
}

func TestKeyReleasedAfterCompletion(t *testing.T) {
	s := New()
	var executions int

	for i := 0; i < 3; i++ {
		v, joined, err := Do(s, "k", func() (int, error) {
			executions++
			return executions, nil
		})
		require.NoError(t, err)
		assert.False(t, joined)
		assert.Equal(t, i+1, v)
	}
	assert.Equal(t, 3, executions)
}

func TestDifferentKeysRunIndependently(t *testing.T) {
	s := New()
	release := make(chan struct{})
	go func() {
		_, _, _ = s.Perform("a", func() (any, error) {
			<-release
			return nil, nil
		})
	}()
	waitFor(t, func() bool { return s.InFlight("a") })
	defer close(release)

	v, joined, err := Do(s, "b", func() (string, error) { return "b", nil })
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, "b", v)
}

func TestPanicReleasesWaiters(t *testing.T) {
	s := New()
	release := make(chan struct{})

	go func() {
		defer func() { _ = recover() }()
		_, _, _ = s.Perform("k", func() (any, error) {
			<-release
			panic("boom")
		})
	}()
	waitFor(t, func() bool { return s.InFlight("k") })

	errCh := make(chan error, 1)
	go func() {
		_, _, err := s.Perform("k", func() (any, error) { return nil, nil })
		errCh <- err
	}()
	waitFor(t, func() bool { return s.Waiters("k") == 1 })
	close(release)

	select {
	case err := <-errCh:
		assert.ErrorContains(t, err, "panicked")
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released after panic")
	}
}

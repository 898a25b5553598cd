package lock

import (
	"sync"

	"github.com/cuemby/backplane/pkg/metrics"
)

// Service hands out one read/write lock per instance group. Locks are
// created on first use and live for the lifetime of the process.
//
// The locks are plain sync.RWMutex values and are not reentrant: acquire
// once at the entry point and let helpers assume the lock is held.
type Service struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewService creates an empty lock service
func NewService() *Service {
	return &Service{locks: make(map[string]*sync.RWMutex)}
}

// Get returns the lock of group
func (s *Service) Get(group string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[group]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[group] = l
	}
	return l
}

// WithWrite runs fn holding the write lock of group
func (s *Service) WithWrite(group string, fn func() error) error {
	l := s.Get(group)
	timer := metrics.NewTimer()
	l.Lock()
	timer.ObserveDurationVec(metrics.GroupLockWait, "write")
	defer l.Unlock()
	return fn()
}

// WithRead runs fn holding the read lock of group
func (s *Service) WithRead(group string, fn func() error) error {
	l := s.Get(group)
	timer := metrics.NewTimer()
	l.RLock()
	timer.ObserveDurationVec(metrics.GroupLockWait, "read")
	defer l.RUnlock()
	return fn()
}

package store

import (
	"sync"

	"github.com/busybox42/aegis-overlay/pkg/protocol"
	"github.com/busybox42/aegis-overlay/pkg/types"
	"github.com/sirupsen/logrus"
)

// Local keeps the ledger in memory. It is lost on restart.
type Local struct {
	mu       sync.RWMutex
	sizes    map[types.Key]uint32
	used     uint64
	capacity uint64

	requireSignatures bool
	log               *logrus.Entry
}

func NewLocal(capacity uint64, requireSignatures bool, log *logrus.Entry) *Local {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Local{
		sizes:             make(map[types.Key]uint32),
		capacity:          capacity,
		requireSignatures: requireSignatures,
		log:               log,
	}
}

// Accept reserves size bytes for key. A key already held is accepted
// again without charging twice.
func (s *Local) Accept(key types.Key, size uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sizes[key]; ok {
		return true
	}
	if s.used+uint64(size) > s.capacity {
		s.log.WithFields(logrus.Fields{
			"function": "Accept",
			"key":      key.Short(),
			"size":     size,
			"free":     s.capacity - s.used,
		}).Debug("Rejecting put over capacity")
		return false
	}
	s.sizes[key] = size
	s.used += uint64(size)
	return true
}

func (s *Local) Contains(key types.Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sizes[key]
	return ok
}

func (s *Local) SizeOf(key types.Key) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizes[key]
}

func (s *Local) Authorize(key types.Key, auth protocol.Auth) bool {
	return authorize(s.requireSignatures, key, auth, s.log)
}

func (s *Local) Release(key types.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size, ok := s.sizes[key]; ok {
		s.used -= uint64(size)
		delete(s.sizes, key)
	}
	return nil
}

func (s *Local) Usage() (used, capacity uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, s.capacity
}

func (s *Local) Close() error { return nil }

package authmgr

import (
	"strconv"
	"sync"

	"github.com/siros-tee/authcore/pkg/errs"
)

// InMemoryPersistentStore is a reference PersistentStore used by tests and
// by callers with no persistent backing of their own; it is not the
// production collaborator (spec.md §1 treats persistent storage as an
// external interface).
type InMemoryPersistentStore struct {
	mu        sync.Mutex
	globalSeq int32
	instances map[string]*InstanceContext
	clients   map[string]*ClientContext // keyed by "<instanceSeqNo>:<clientKey>"
}

// NewInMemoryPersistentStore builds an empty in-memory PersistentStore.
func NewInMemoryPersistentStore() *InMemoryPersistentStore {
	return &InMemoryPersistentStore{
		instances: make(map[string]*InstanceContext),
		clients:   make(map[string]*ClientContext),
	}
}

// NextGlobalSequenceNumber atomically increments and persists the global
// sequence counter before returning it, matching spec.md §3's requirement
// that the number be persisted before use.
func (s *InMemoryPersistentStore) NextGlobalSequenceNumber() (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalSeq++
	return s.globalSeq, nil
}

func (s *InMemoryPersistentStore) GetInstanceContext(id InstanceID) (*InstanceContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.instances[id.key()]
	if !ok {
		return nil, false, nil
	}
	return ctx, true, nil
}

func (s *InMemoryPersistentStore) PutInstanceContext(id InstanceID, ctx *InstanceContext) error {
	if ctx == nil {
		return errs.New(errs.InvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[id.key()] = ctx
	return nil
}

func clientKey(instanceSeqNo int32, id ClientID) string {
	return strconv.FormatInt(int64(instanceSeqNo), 10) + ":" + id.key()
}

func (s *InMemoryPersistentStore) GetClientContext(instanceSeqNo int32, id ClientID) (*ClientContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.clients[clientKey(instanceSeqNo, id)]
	if !ok {
		return nil, false, nil
	}
	return ctx, true, nil
}

func (s *InMemoryPersistentStore) PutClientContext(instanceSeqNo int32, id ClientID, ctx *ClientContext) error {
	if ctx == nil {
		return errs.New(errs.InvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[clientKey(instanceSeqNo, id)] = ctx
	return nil
}

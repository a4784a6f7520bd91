package secretkeeper

import (
	"sync"

	"github.com/siros-tee/authcore/pkg/dice"
	"github.com/siros-tee/authcore/pkg/errs"
)

// Store is the policy-gated secret store collaborator (spec.md §4.G): an
// external boundary the engine calls into, never a concrete database this
// package implements against.
type Store interface {
	Store(id SecretID, secret []byte, policy *dice.Policy, peerChain *dice.Chain) error
	Get(id SecretID, peerChain *dice.Chain, overridePolicy *dice.Policy) ([]byte, error)
	Delete(id SecretID) error
	DeleteAll() error
}

type storedSecret struct {
	secret []byte
	policy *dice.Policy
}

// InMemoryStore is a reference Store used by tests and by callers with no
// persistent backing of their own; it is not the production collaborator.
type InMemoryStore struct {
	mu      sync.Mutex
	secrets map[string]storedSecret
}

// NewInMemoryStore builds an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{secrets: make(map[string]storedSecret)}
}

func (s *InMemoryStore) Store(id SecretID, secret []byte, policy *dice.Policy, peerChain *dice.Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[string(id)] = storedSecret{secret: append([]byte(nil), secret...), policy: policy}
	return nil
}

func (s *InMemoryStore) Get(id SecretID, peerChain *dice.Chain, overridePolicy *dice.Policy) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.secrets[string(id)]
	if !ok {
		return nil, errs.NewDetails(errs.InvalidArgument, "no such secret")
	}
	matched, err := dice.MatchChain(peerChain, entry.policy)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, errs.New(errs.DicePolicyMatchingFailed)
	}
	if overridePolicy != nil {
		overrideMatched, err := dice.MatchChain(peerChain, overridePolicy)
		if err != nil {
			return nil, err
		}
		if !overrideMatched {
			return nil, errs.New(errs.DicePolicyMatchingFailed)
		}
		entry.policy = overridePolicy
		s.secrets[string(id)] = entry
	}
	return append([]byte(nil), entry.secret...), nil
}

func (s *InMemoryStore) Delete(id SecretID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, string(id))
	return nil
}

func (s *InMemoryStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]storedSecret)
	return nil
}

package keymint

import (
	"bytes"
	"crypto/sha256"
	"sync"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/pkix"
)

// ModuleInfoRegistry holds the process-wide module-info hash pushed to
// every KeyMint v4+ security level exactly once per boot, per spec.md
// §4.F's module attestation section. The first SetOnce call wins; a later
// call with a differing module list is rejected, an identical one is a
// no-op.
type ModuleInfoRegistry struct {
	mu   sync.Mutex
	hash []byte
}

// SetOnce DER-encodes modules as a canonical SET OF ModuleInfo, hashes the
// encoding with SHA-256, and records it as this boot's module hash.
// Repeated calls with the same module list return the same hash; a call
// carrying a different list fails with InvalidArgument.
func (r *ModuleInfoRegistry) SetOnce(modules []pkix.ModuleInfo) ([]byte, error) {
	encoded, err := pkix.EncodeModuleInfoSet(modules)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(encoded)
	hash := sum[:]

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hash == nil {
		r.hash = hash
		return hash, nil
	}
	if !bytes.Equal(r.hash, hash) {
		return nil, errs.NewDetails(errs.InvalidArgument, "module_info already set to a different value this boot")
	}
	return r.hash, nil
}

// Hash returns the current boot's module hash, or nil if SetOnce has not
// yet been called.
func (r *ModuleInfoRegistry) Hash() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hash
}

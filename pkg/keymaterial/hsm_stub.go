//go:build !pkcs11

package keymaterial

import (
	"crypto"

	"github.com/siros-tee/authcore/pkg/errs"
)

// HSMConfig names the PKCS#11 token an Opaque handle would be resolved
// against, in the pkcs11 build.
type HSMConfig struct {
	ModulePath string
	TokenLabel string
	PIN        string
}

// ResolveSigner fails in builds without PKCS#11 support: Opaque handles
// exist in this configuration but cannot be backed by real hardware.
func ResolveSigner(cfg HSMConfig, handle OpaqueHandle) (crypto.Signer, error) {
	return nil, errs.NewDetails(errs.Unimplemented, "PKCS#11 support not compiled in; rebuild with -tags=pkcs11")
}

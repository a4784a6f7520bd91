//go:build pkcs11

package keymaterial

import (
	"crypto"

	"github.com/ThalesGroup/crypto11"

	"github.com/siros-tee/authcore/pkg/errs"
)

// HSMConfig names the PKCS#11 token an Opaque handle is resolved against.
type HSMConfig struct {
	ModulePath string
	TokenLabel string
	PIN        string
}

// ResolveSigner opens a new crypto11 context against the configured token
// on every call and returns the crypto.Signer for the key pair labelled
// handle.Label, so keyops can drive it through the same crypto.Signer
// boundary an in-memory ECMaterial/RSAMaterial key uses.
func ResolveSigner(cfg HSMConfig, handle OpaqueHandle) (crypto.Signer, error) {
	ctx, err := crypto11.Configure(&crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	})
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	signer, err := ctx.FindKeyPair(nil, []byte(handle.Label))
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	if signer == nil {
		return nil, errs.NewDetails(errs.InternalError, "HSM key not found: "+handle.Label)
	}
	return signer, nil
}

package keymaterial

import (
	"golang.org/x/crypto/curve25519"

	"github.com/siros-tee/authcore/pkg/errs"
)

func x25519PublicFromPrivate(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err)
	}
	return pub, nil
}

package keymint

import "github.com/siros-tee/authcore/pkg/errs"

// RootKEK derives a per-call key-encryption key from the TA's root secret
// and a caller-supplied context, mirroring the external root-of-trust
// collaborator spec.md §4.F treats as out of scope for this core.
type RootKEK interface {
	Derive(context []byte) ([]byte, error)
}

// SecureDeletionSecrets hands out and forgets per-keyblob deletion
// secrets. Forgetting a slot renders every keyblob encrypted under it
// permanently unrecoverable — the mechanism behind "secure deletion" on
// keys whose KeyParameter set requested it.
type SecureDeletionSecrets interface {
	AllocateSlot() (slotID uint32, secret []byte, err error)
	Secret(slotID uint32) ([]byte, error)
	Forget(slotID uint32) error
}

// NoSecureDeletion is a SecureDeletionSecrets that never allocates a
// slot — used when a key's parameters don't request secure deletion.
type NoSecureDeletion struct{}

func (NoSecureDeletion) AllocateSlot() (uint32, []byte, error) {
	return 0, nil, errs.New(errs.Unimplemented)
}

func (NoSecureDeletion) Secret(uint32) ([]byte, error) {
	return nil, errs.New(errs.Unimplemented)
}

func (NoSecureDeletion) Forget(uint32) error { return nil }

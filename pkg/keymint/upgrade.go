package keymint

import (
	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/logger"
)

// UpgradeContext carries the live device state Upgrade compares a stored
// keyblob's characteristics against.
type UpgradeContext struct {
	OsVersion        uint64
	OsPatchlevel     uint64
	VendorPatchlevel uint64
	BootPatchlevel   uint64
}

// Upgrade implements spec.md §4.F's Upgrade operation: monotonically
// advance the TA's own security-level characteristics to match live
// device state, re-encrypting under a fresh KEK/secure-deletion slot if
// anything changed. An empty result (nil Blob) means no upgrade was
// needed.
func Upgrade(log *logger.Log, blob *EncryptedKeyBlob, kek RootKEK, sd SecureDeletionSecrets, myLevel int, ctx UpgradeContext) (*Result, error) {
	plain, err := OpenKeyBlob(blob, kek, sd)
	if err != nil {
		return nil, err
	}

	changed := false
	for i := range plain.Characteristics {
		c := &plain.Characteristics[i]
		if int(c.SecurityLevel) != myLevel {
			continue
		}
		for j := range c.Authorizations {
			p := &c.Authorizations[j]
			switch p.Tag.Number() {
			case TagOsVersion:
				live := ctx.OsVersion
				stored, ok := p.Value.(uint64)
				if !ok {
					continue
				}
				if live == 0 {
					if stored != 0 {
						if log != nil {
							log.Debug("keymint: forcing OsVersion to 0 (warn)", "storedOsVersion", stored)
						}
						p.Value = uint64(0)
						changed = true
					}
					continue
				}
				if live > stored {
					p.Value = live
					changed = true
				}
			case TagOsPatchlevel:
				if upgradeMonotonic(p, ctx.OsPatchlevel) {
					changed = true
				} else if regressed(p, ctx.OsPatchlevel) {
					return nil, errs.NewDetails(errs.InvalidArgument, "future patchlevel")
				}
			case TagVendorPatchlevel:
				if upgradeMonotonic(p, ctx.VendorPatchlevel) {
					changed = true
				} else if regressed(p, ctx.VendorPatchlevel) {
					return nil, errs.NewDetails(errs.InvalidArgument, "future patchlevel")
				}
			case TagBootPatchlevel:
				if upgradeMonotonic(p, ctx.BootPatchlevel) {
					changed = true
				} else if regressed(p, ctx.BootPatchlevel) {
					return nil, errs.NewDetails(errs.InvalidArgument, "future patchlevel")
				}
			}
		}
	}

	if !changed {
		return &Result{}, nil
	}

	newSD := sd
	if newSD == nil {
		newSD = NoSecureDeletion{}
	}
	sealed, err := SealKeyBlob(*plain, kek, newSD, blob.HasSDSlot)
	if err != nil {
		return nil, err
	}
	return &Result{Blob: sealed}, nil
}

// upgradeMonotonic advances p's stored patchlevel to live if live is
// strictly greater, returning whether it changed. Going backwards is the
// caller's responsibility to reject via regressed.
func upgradeMonotonic(p *KeyParameter, live uint64) bool {
	stored, ok := p.Value.(uint64)
	if !ok {
		return false
	}
	if live > stored {
		p.Value = live
		return true
	}
	return false
}

func regressed(p *KeyParameter, live uint64) bool {
	stored, ok := p.Value.(uint64)
	if !ok {
		return false
	}
	return live < stored
}

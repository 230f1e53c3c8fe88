package admission

import (
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
)

// Admission errors.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrZeroAddress  = errors.New("zero address")
)

// Owner holds the single administrator identity and authorizes privileged
// calls by equality against it.
// Not thread-safe: only accessed under the vault's lock.
type Owner struct {
	admin common.Address
}

func NewOwner(admin common.Address) (*Owner, error) {
	if admin == (common.Address{}) {
		return nil, errors.Wrap(ErrZeroAddress, "administrator")
	}
	return &Owner{admin: admin}, nil
}

// Authorize fails with ErrUnauthorized unless caller is the administrator.
func (o *Owner) Authorize(caller common.Address) error {
	if caller != o.admin {
		return errors.Wrapf(ErrUnauthorized, "caller %s is not the administrator", caller.Hex())
	}
	return nil
}

// Transfer hands the administrator role to newAdmin. Returns the previous administrator.
func (o *Owner) Transfer(caller, newAdmin common.Address) (common.Address, error) {
	if err := o.Authorize(caller); err != nil {
		return common.Address{}, err
	}
	if newAdmin == (common.Address{}) {
		return common.Address{}, errors.Wrap(ErrZeroAddress, "new administrator")
	}
	prev := o.admin
	o.admin = newAdmin
	return prev, nil
}

// Current returns the administrator identity.
func (o *Owner) Current() common.Address {
	return o.admin
}

// Restore sets the administrator directly (snapshot recovery and replay).
func (o *Owner) Restore(admin common.Address) {
	o.admin = admin
}

package admission_test

import (
	"CustodyLedger/internal/admission"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = common.HexToAddress("0xad00000000000000000000000000000000000001")
	stranger = common.HexToAddress("0x5700000000000000000000000000000000000002")
)

func TestNewOwner_RejectsZeroAddress(t *testing.T) {
	_, err := admission.NewOwner(common.Address{})
	assert.True(t, errors.Is(err, admission.ErrZeroAddress))
}

func TestOwner_Authorize(t *testing.T) {
	o, err := admission.NewOwner(admin)
	require.NoError(t, err)

	assert.NoError(t, o.Authorize(admin))
	assert.True(t, errors.Is(o.Authorize(stranger), admission.ErrUnauthorized))
}

func TestOwner_Transfer(t *testing.T) {
	o, err := admission.NewOwner(admin)
	require.NoError(t, err)

	_, err = o.Transfer(stranger, stranger)
	assert.True(t, errors.Is(err, admission.ErrUnauthorized))

	_, err = o.Transfer(admin, common.Address{})
	assert.True(t, errors.Is(err, admission.ErrZeroAddress))
	assert.Equal(t, admin, o.Current())

	prev, err := o.Transfer(admin, stranger)
	require.NoError(t, err)
	assert.Equal(t, admin, prev)
	assert.Equal(t, stranger, o.Current())
	assert.True(t, errors.Is(o.Authorize(admin), admission.ErrUnauthorized))
}

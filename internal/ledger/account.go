package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountKey identifies a single balance entry: one user holding one asset.
type AccountKey struct {
	User  common.Address
	Asset common.Address
}

// NewAccountKey creates the key for a user's balance of an asset.
func NewAccountKey(user, asset common.Address) AccountKey {
	return AccountKey{User: user, Asset: asset}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("user:%s:asset:%s", k.User.Hex(), k.Asset.Hex())
}

// ParseAccountPath is the inverse of AccountPath. Malformed paths return false.
func ParseAccountPath(path string) (AccountKey, bool) {
	parts := strings.Split(path, ":")
	if len(parts) != 4 || parts[0] != "user" || parts[2] != "asset" {
		return AccountKey{}, false
	}
	if !common.IsHexAddress(parts[1]) || !common.IsHexAddress(parts[3]) {
		return AccountKey{}, false
	}
	return NewAccountKey(common.HexToAddress(parts[1]), common.HexToAddress(parts[3])), true
}

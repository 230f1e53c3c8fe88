package event

import "github.com/ethereum/go-ethereum/common"

// WhitelistChanged records an asset being added to or removed from the registry.
type WhitelistChanged struct {
	Asset       common.Address `json:"asset"`
	Whitelisted bool           `json:"whitelisted"`
	Admin       common.Address `json:"admin"`
}

func (w *WhitelistChanged) EventType() EventType {
	return EventTypeWhitelistChanged
}

func (w *WhitelistChanged) Account() common.Address {
	return w.Admin
}

func (w *WhitelistChanged) AssetID() *common.Address {
	a := w.Asset
	return &a
}

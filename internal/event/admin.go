package event

import "github.com/ethereum/go-ethereum/common"

// Paused records the administrator engaging the emergency stop.
type Paused struct {
	Admin common.Address `json:"admin"`
}

func (p *Paused) EventType() EventType {
	return EventTypePaused
}

func (p *Paused) Account() common.Address {
	return p.Admin
}

func (p *Paused) AssetID() *common.Address {
	return nil // Global event
}

// Unpaused records the emergency stop being lifted.
type Unpaused struct {
	Admin common.Address `json:"admin"`
}

func (u *Unpaused) EventType() EventType {
	return EventTypeUnpaused
}

func (u *Unpaused) Account() common.Address {
	return u.Admin
}

func (u *Unpaused) AssetID() *common.Address {
	return nil
}

// OwnershipTransferred records a change of administrator.
type OwnershipTransferred struct {
	PreviousOwner common.Address `json:"previous_owner"`
	NewOwner      common.Address `json:"new_owner"`
}

func (o *OwnershipTransferred) EventType() EventType {
	return EventTypeOwnershipTransferred
}

func (o *OwnershipTransferred) Account() common.Address {
	return o.NewOwner
}

func (o *OwnershipTransferred) AssetID() *common.Address {
	return nil
}

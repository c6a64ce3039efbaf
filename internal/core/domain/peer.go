package domain

import (
	"fmt"
	"net"
)

type PeerID string

func (id PeerID) String() string { return string(id) }

// PeerDescriptor is what discovery knows about a reachable device.
// It is immutable once created.
type PeerDescriptor struct {
	ID      PeerID `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Validate checks that the descriptor can be used to dial the peer
func (d PeerDescriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("peer descriptor: id is required")
	}
	if d.Address == "" {
		return fmt.Errorf("peer descriptor %s: address is required", d.ID)
	}
	if _, _, err := net.SplitHostPort(d.Address); err != nil {
		return fmt.Errorf("peer descriptor %s: invalid address %q: %w", d.ID, d.Address, err)
	}
	return nil
}

// PeerMessage is one opaque payload received over a connected session
type PeerMessage struct {
	PeerID PeerID
	Data   []byte
}

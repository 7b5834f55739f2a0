package models

// PeerStatus is the liveness of a peer as last reported to the directory.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
)

// Valid reports whether s is a known peer status.
func (s PeerStatus) Valid() bool {
	return s == PeerOnline || s == PeerOffline
}

// Peer represents a known remote identity.
type Peer struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	PublicKey []byte     `json:"public_key,omitempty"`
	Status    PeerStatus `json:"status"`
	LastSeen  int64      `json:"last_seen"`
	Address   string     `json:"address,omitempty"`
}

// Online reports whether the peer is currently reachable.
func (p Peer) Online() bool {
	return p.Status == PeerOnline
}

package models

// PeerRecord is one entry of the shared discovery registry.
type PeerRecord struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	LastSeen    int64  `json:"last_seen"`
}

// PeerInfo is the online-peer view of one tracked connection.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	Username string `json:"username"`
}

package model

import "time"

// AggregatorInfo is the directory's view of one aggregator, rebuilt from
// its beacons. Peer is the transport address the beacon arrived from.
type AggregatorInfo struct {
	AggregatorID         string
	Peer                 string
	Capacity             uint32
	CurrentLoad          uint32
	LastInternetSyncTime time.Time
	ProtocolVersion      uint32
	LastSeen             time.Time
}

// Stale reports whether the entry has not been refreshed within window.
func (a *AggregatorInfo) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastSeen) > window
}

// DeviceKey is a registered device public key.
type DeviceKey struct {
	DeviceID     string
	PublicKey    []byte
	DeviceInfo   string
	RegisteredAt time.Time
}

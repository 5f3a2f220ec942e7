package store

import "time"

// TimeSync records one accepted change of the watch clock.
type TimeSync struct {
	Seq      uint64    `json:"seq"`
	Epoch    uint32    `json:"epoch"`
	Previous uint32    `json:"previous"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

// Drift is how far the clock was moved, in seconds.
func (t *TimeSync) Drift() int64 {
	return int64(t.Epoch) - int64(t.Previous)
}

// Peer is a central that has connected to the watch.
type Peer struct {
	Address        string    `json:"address"`
	AddressType    uint8     `json:"address_type"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	Connections    int       `json:"connections"`
	LastDisconnect uint8     `json:"last_disconnect_reason,omitempty"`
	Connected      bool      `json:"connected"`
}

package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Time-sync history, a ring bounded by the history limit.
	AppendTimeSync(rec *TimeSync) error
	ListTimeSyncs(limit int) ([]*TimeSync, error)
	LastTimeSync() (*TimeSync, error)

	// Bonded peers
	SavePeer(p *Peer) error
	GetPeer(addr string) (*Peer, error)
	DeletePeer(addr string) error
	ListPeers() ([]*Peer, error)

	// UpdatePeer atomically reads, modifies, and saves a peer in a single
	// transaction. Returns ErrNotFound if the peer does not exist.
	UpdatePeer(addr string, fn func(p *Peer) error) error

	// Close the store
	Close() error
}

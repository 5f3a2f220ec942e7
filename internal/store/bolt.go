package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHistory = []byte("time_syncs")
	bucketPeers   = []byte("peers")
)

// DefaultHistoryLimit bounds the time-sync history when none is configured.
const DefaultHistoryLimit = 256

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db           *bolt.DB
	historyLimit int
}

// NewBoltStore opens or creates a BoltDB database. historyLimit <= 0 selects
// DefaultHistoryLimit.
func NewBoltStore(path string, historyLimit int) (*BoltStore, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHistory, bucketPeers} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, historyLimit: historyLimit}, nil
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

// AppendTimeSync assigns rec the next sequence number, stores it and drops
// the oldest entries beyond the history limit.
func (s *BoltStore) AppendTimeSync(rec *TimeSync) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		if seq <= uint64(s.historyLimit) {
			return nil
		}
		cutoff := seqKey(seq - uint64(s.historyLimit))
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) <= 0; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTimeSyncs returns up to limit entries, newest first. limit <= 0 returns all.
func (s *BoltStore) ListTimeSyncs(limit int) ([]*TimeSync, error) {
	var out []*TimeSync
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec TimeSync
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LastTimeSync() (*TimeSync, error) {
	var rec *TimeSync
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		_, v := b.Cursor().Last()
		if v == nil {
			return fmt.Errorf("time sync history: %w", ErrNotFound)
		}
		rec = &TimeSync{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) SavePeer(p *Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.Address), data)
	})
}

func (s *BoltStore) GetPeer(addr string) (*Peer, error) {
	var p Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeletePeer(addr string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		return b.Delete([]byte(addr))
	})
}

func (s *BoltStore) ListPeers() ([]*Peer, error) {
	var peers []*Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return nil // no bucket = no peers
		}
		return b.ForEach(func(k, v []byte) error {
			var p Peer
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			peers = append(peers, &p)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) UpdatePeer(addr string, fn func(p *Peer) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPeers)
		}
		data := b.Get([]byte(addr))
		if data == nil {
			return fmt.Errorf("peer %s: %w", addr, ErrNotFound)
		}
		var p Peer
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr), out)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

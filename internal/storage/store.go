package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/rounds"
)

// Record is one round outcome tagged with the experiment cell it ran in.
// Cell aggregates are always recomputed from the record list, never stored.
type Record struct {
	SNR     float64             `json:"snr"`
	PNode   float64             `json:"p_node"`
	N       int                 `json:"n"`
	Outcome rounds.RoundOutcome `json:"outcome"`
}

// OutcomeStore is the append-only round-outcome log. Records are returned in
// round order.
type OutcomeStore interface {
	Append(rec Record) error
	List() ([]Record, error)
	Close() error
}

var outcomeBucket = []byte("outcomes")

// BoltStore persists outcomes to a bbolt file so a run survives a controller
// inspection or a crash mid-grid.
type BoltStore struct {
	conn *bbolt.DB
}

// NewBoltStore opens (or creates) the outcome database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open outcome db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outcomeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create outcome bucket: %w", err)
	}

	return &BoltStore{conn: db}, nil
}

// Append writes one record keyed by its round id.
func (s *BoltStore) Append(rec Record) error {
	return s.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outcomeBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal outcome record: %w", err)
		}
		return bucket.Put(uint64ToBytes(rec.Outcome.RoundID), data)
	})
}

// List returns every record in round order.
func (s *BoltStore) List() ([]Record, error) {
	var out []Record
	err := s.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(outcomeBucket)
		return bucket.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal outcome record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.conn.Close()
}

// MemoryStore keeps outcomes in memory; tests and dry runs use it.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

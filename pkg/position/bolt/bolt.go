package bolt

import (
	"encoding/json"
	"fmt"

	"github.com/boltdb/bolt"
	"github.com/uxoa/hartza/pkg/position"
)

var bucket = []byte("positions")

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: couldn't open db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

type Store struct {
	db *bolt.DB
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) List(open bool) ([]*position.Position, error) {
	var positions []*position.Position
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var p position.Position
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("couldn't decode %s: %w", k, err)
			}
			isOpen := p.Status != position.StatusClosed
			if isOpen != open {
				return nil
			}
			positions = append(positions, &p)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("bolt: couldn't query: %w", err)
	}
	return positions, nil
}

func (s *Store) Update(p *position.Position) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		byt, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("couldn't encode: %w", err)
		}
		return tx.Bucket(bucket).Put(storeKey(p), byt)
	}); err != nil {
		return fmt.Errorf("bolt: couldn't put %s: %w", storeKey(p), err)
	}
	return nil
}

func (s *Store) Delete(p *position.Position) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete(storeKey(p))
	}); err != nil {
		return fmt.Errorf("bolt: couldn't delete %s: %w", storeKey(p), err)
	}
	return nil
}

// storeKey is the natural key of a position: one per user and symbol.
func storeKey(p *position.Position) []byte {
	return []byte(fmt.Sprintf("%d/%s", p.UserID, p.Symbol))
}

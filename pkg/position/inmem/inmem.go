package inmem

import (
	"fmt"
	"sync"

	"github.com/uxoa/hartza/pkg/position"
)

// Store keeps positions in memory; used in dry mode and tests.
type Store struct {
	positions sync.Map
}

func (s *Store) List(open bool) ([]*position.Position, error) {
	var positions []*position.Position
	s.positions.Range(func(key, value interface{}) bool {
		p := value.(position.Position)
		isOpen := p.Status != position.StatusClosed
		if isOpen != open {
			return true
		}
		copy := p
		positions = append(positions, &copy)
		return true
	})
	return positions, nil
}

func (s *Store) Update(p *position.Position) error {
	s.positions.Store(storeKey(p), *p)
	return nil
}

func (s *Store) Delete(p *position.Position) error {
	s.positions.Delete(storeKey(p))
	return nil
}

func storeKey(p *position.Position) string {
	return fmt.Sprintf("%d/%s", p.UserID, p.Symbol)
}

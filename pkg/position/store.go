package position

// Store persists open positions so monitors can be resumed after a
// restart.
type Store interface {
	// List returns stored positions, filtered on whether they are still
	// open (anything not closed) or already closed.
	List(open bool) ([]*Position, error)
	Update(*Position) error
	Delete(*Position) error
}

package refresher

import (
	"sync/atomic"

	"tokenbridge/internal/models"
)

// cell holds the current token. Writers always install a new Token; readers
// copy the value they load. There is no lock to leave held.
type cell struct {
	tok atomic.Pointer[models.Token]
}

func newCell(tok models.Token) *cell {
	c := &cell{}
	c.store(tok)
	return c
}

func (c *cell) load() models.Token {
	return *c.tok.Load()
}

func (c *cell) store(tok models.Token) {
	c.tok.Store(&tok)
}

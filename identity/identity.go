package identity

import (
	"time"

	"github.com/google/uuid"
)

var now = func() int64 {
	return time.Now().UnixMilli()
}

// Window is the identity of one peer process. Ids are regenerated on every
// boot: a reload is observed by the mesh as one peer dying and a new one
// joining. Never persist a Window across restarts.
type Window struct {
	id        string
	createdAt int64
}

// New mints a fresh window identity, stamped with the current wall time.
func New() Window {
	return Window{
		id:        uuid.New().String(),
		createdAt: now(),
	}
}

// WithID returns an identity carrying the given id instead of a generated
// one. Id uniqueness within a session is a precondition of the mesh: two
// peers sharing an id filter each other's messages as self-echo.
func WithID(id string) Window {
	return Window{
		id:        id,
		createdAt: now(),
	}
}

func (w Window) ID() string {
	return w.id
}

// CreatedAt is the wall time of the peer's birth, in unix milliseconds.
// Leader election prefers the smallest value.
func (w Window) CreatedAt() int64 {
	return w.createdAt
}

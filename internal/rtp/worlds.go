package rtp

import (
	"context"

	"github.com/google/uuid"

	"voxelrtp/internal/rtp/search"
)

// World is a controller-owned world. EvaluateColumn, Post, TryPost and Done
// may be called from any goroutine; the remaining methods only from a closure
// running on the controller.
type World interface {
	ID() string
	EvaluateColumn(ctx context.Context, x, z int) (search.Verdict, error)
	Post(ctx context.Context, fn func()) error
	TryPost(fn func()) bool
	Done() <-chan struct{}

	Online(id uuid.UUID) bool
	Notify(id uuid.UUID, text string)
	Teleport(id uuid.UUID, loc search.Location) error
}

// Worlds resolves a world id.
type Worlds interface {
	World(id string) (World, bool)
}

// WorldsFunc adapts a lookup function to Worlds.
type WorldsFunc func(id string) (World, bool)

func (f WorldsFunc) World(id string) (World, bool) { return f(id) }

// Messenger reaches an actor regardless of which world it is in. It is used
// when the target world cannot carry the notice. Must be safe for concurrent use.
type Messenger interface {
	Send(id uuid.UUID, text string)
}

// Relocator moves a connected actor into another hosted world. Relocate is a
// no-op when the actor already lives in worldID. Must be safe for concurrent use.
type Relocator interface {
	Relocate(ctx context.Context, id uuid.UUID, worldID string) error
}

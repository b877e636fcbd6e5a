package world

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrActorNotFound is returned for actors that are not connected to the world.
var ErrActorNotFound = errors.New("actor not found")

type transferOutReq struct {
	ActorID uuid.UUID
	Resp    chan transferOutResp
}

type transferOutResp struct {
	Transfer ActorTransfer
	Err      error
}

// ActorTransfer is what a world hands over when an actor leaves it for
// another world.
type ActorTransfer struct {
	ID   uuid.UUID
	Name string
	Out  chan []byte
	From string
}

// RequestTransferOut detaches a connected actor from the world loop and returns
// what the destination world needs to admit it.
func (w *World) RequestTransferOut(ctx context.Context, id uuid.UUID) (ActorTransfer, error) {
	req := transferOutReq{
		ActorID: id,
		Resp:    make(chan transferOutResp, 1),
	}
	select {
	case w.transferOut <- req:
	case <-w.done:
		return ActorTransfer{}, ErrStopped
	case <-ctx.Done():
		return ActorTransfer{}, ctx.Err()
	}
	// Once queued the request is always answered, so a late ctx does not lose
	// the actor.
	select {
	case resp := <-req.Resp:
		return resp.Transfer, resp.Err
	case <-w.done:
		select {
		case resp := <-req.Resp:
			return resp.Transfer, resp.Err
		default:
			return ActorTransfer{}, ErrStopped
		}
	}
}

func (w *World) handleTransferOut(req transferOutReq) {
	resp := transferOutResp{}
	defer func() {
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- resp:
		default:
		}
	}()

	a := w.actors[req.ActorID]
	cl := w.clients[req.ActorID]
	if a == nil || cl == nil {
		resp.Err = ErrActorNotFound
		return
	}
	resp.Transfer = ActorTransfer{ID: a.ID, Name: a.Name, Out: cl.Out, From: w.cfg.ID}

	delete(w.clients, a.ID)
	delete(w.actors, a.ID)
	w.log.Debug().Str("actor_id", a.ID.String()).Msg("actor transferred out")
}

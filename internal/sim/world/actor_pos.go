package world

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type actorPosReq struct {
	ActorID uuid.UUID
	Resp    chan actorPosResp
}

type actorPosResp struct {
	Pos Vec3i
	Err string
}

// RequestActorPos returns the current position for an actor from the world loop goroutine.
func (w *World) RequestActorPos(ctx context.Context, id uuid.UUID) (Vec3i, error) {
	if w == nil || w.actorPosReq == nil {
		return Vec3i{}, errors.New("actor position query not available")
	}
	req := actorPosReq{
		ActorID: id,
		Resp:    make(chan actorPosResp, 1),
	}
	select {
	case w.actorPosReq <- req:
	case <-w.done:
		return Vec3i{}, ErrStopped
	case <-ctx.Done():
		return Vec3i{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return Vec3i{}, errors.New(resp.Err)
		}
		return resp.Pos, nil
	case <-ctx.Done():
		return Vec3i{}, ctx.Err()
	}
}

func (w *World) handleActorPosReq(req actorPosReq) {
	resp := actorPosResp{}
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
	if a == nil {
		resp.Err = "actor not found"
		return
	}
	resp.Pos = a.Pos
}

package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp/search"
)

type Actor struct {
	ID   uuid.UUID
	Name string
	Pos  Vec3i
}

type clientState struct {
	Out chan []byte
}

type JoinRequest struct {
	// ID resumes an identity; uuid.Nil asks the world to assign one.
	ID   uuid.UUID
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	ActorID uuid.UUID
	Welcome protocol.WelcomeMsg
	Err     string
}

// RequestJoin registers an actor with the world loop and waits for its welcome.
func (w *World) RequestJoin(ctx context.Context, id uuid.UUID, name string, out chan []byte) (JoinResponse, error) {
	req := JoinRequest{
		ID:   id,
		Name: name,
		Out:  out,
		Resp: make(chan JoinResponse, 1),
	}
	select {
	case w.join <- req:
	case <-w.done:
		return JoinResponse{}, ErrStopped
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return resp, errors.New(resp.Err)
		}
		return resp, nil
	case <-w.done:
		return JoinResponse{}, ErrStopped
	case <-ctx.Done():
		return JoinResponse{}, ctx.Err()
	}
}

// Leave detaches an actor. It never blocks once the world has stopped.
func (w *World) Leave(id uuid.UUID) {
	select {
	case w.leave <- id:
	case <-w.done:
	}
}

func (w *World) handleJoin(req JoinRequest) {
	resp := JoinResponse{}
	defer func() {
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- resp:
		default:
		}
	}()
	if req.Out == nil {
		resp.Err = "join requires an output channel"
		return
	}
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	a := w.actors[id]
	if a == nil {
		a = &Actor{ID: id, Name: req.Name, Pos: w.spawnPos()}
		w.actors[id] = a
	} else if req.Name != "" {
		a.Name = req.Name
	}
	w.clients[id] = &clientState{Out: req.Out}

	resp.ActorID = id
	resp.Welcome = protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ActorID:         id.String(),
		WorldID:         w.cfg.ID,
		Pos:             a.Pos.ToArray(),
		MaxHeight:       w.MaxHeight(),
	}
	w.log.Debug().Str("actor_id", id.String()).Str("name", a.Name).Msg("actor joined")
}

func (w *World) handleLeave(id uuid.UUID) {
	if _, ok := w.clients[id]; !ok {
		return
	}
	delete(w.clients, id)
	delete(w.actors, id)
	w.log.Debug().Str("actor_id", id.String()).Msg("actor left")
}

func (w *World) spawnPos() Vec3i {
	x, z := w.cfg.SpawnX, w.cfg.SpawnZ
	if v := search.EvaluateColumn(w, x, z); v.Safe {
		return Vec3i{X: x, Y: v.Y, Z: z}
	}
	return Vec3i{X: x, Y: w.MaxHeight() - 1, Z: z}
}

// Online reports whether the actor is still connected. Controller only.
func (w *World) Online(id uuid.UUID) bool {
	_, ok := w.clients[id]
	return ok
}

// Notify sends a text notice to a connected actor. Controller only.
func (w *World) Notify(id uuid.UUID, text string) {
	cl := w.clients[id]
	if cl == nil {
		return
	}
	b, err := json.Marshal(protocol.NoticeMsg{Type: protocol.TypeNotice, Text: text})
	if err != nil {
		w.log.Error().Err(err).Msg("marshal notice")
		return
	}
	sendLatest(cl.Out, b)
}

// Teleport moves an actor to loc and tells its client. Controller only.
func (w *World) Teleport(id uuid.UUID, loc search.Location) error {
	a := w.actors[id]
	if a == nil {
		return fmt.Errorf("teleport %s: actor not found", id)
	}
	if !w.chunks.InBounds(loc.X, loc.Y, loc.Z) {
		return fmt.Errorf("teleport %s: (%d,%d,%d) out of bounds", id, loc.X, loc.Y, loc.Z)
	}
	a.Pos = Vec3i{X: loc.X, Y: loc.Y, Z: loc.Z}
	if cl := w.clients[id]; cl != nil {
		b, err := json.Marshal(protocol.TeleportedMsg{
			Type:    protocol.TypeTeleported,
			WorldID: w.cfg.ID,
			Pos:     a.Pos.ToArray(),
		})
		if err != nil {
			return fmt.Errorf("teleport %s: %w", id, err)
		}
		sendLatest(cl.Out, b)
	}
	return nil
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}

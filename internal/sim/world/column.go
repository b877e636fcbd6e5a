package world

import (
	"context"
	"errors"
	"fmt"

	"voxelrtp/internal/rtp/search"
)

type columnReq struct {
	X, Z int
	Resp chan columnResp
}

type columnResp struct {
	Verdict search.Verdict
	Err     string
}

// EvaluateColumn runs the safety check for column (x, z) on the world loop
// goroutine and waits for the verdict.
func (w *World) EvaluateColumn(ctx context.Context, x, z int) (search.Verdict, error) {
	req := columnReq{
		X:    x,
		Z:    z,
		Resp: make(chan columnResp, 1),
	}
	select {
	case w.columnReq <- req:
	case <-w.done:
		return search.Unsafe, ErrStopped
	case <-ctx.Done():
		return search.Unsafe, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		if resp.Err != "" {
			return search.Unsafe, errors.New(resp.Err)
		}
		return resp.Verdict, nil
	case <-w.done:
		return search.Unsafe, ErrStopped
	case <-ctx.Done():
		return search.Unsafe, ctx.Err()
	}
}

func (w *World) handleColumnReq(req columnReq) {
	resp := columnResp{Verdict: search.Unsafe}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Int("x", req.X).Int("z", req.Z).Msg("column evaluation panicked")
			resp = columnResp{Verdict: search.Unsafe, Err: fmt.Sprintf("evaluate column (%d,%d): %v", req.X, req.Z, r)}
		}
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- resp:
		default:
		}
	}()
	resp.Verdict = search.EvaluateColumn(w, req.X, req.Z)
}

// The methods below satisfy search.WorldQuery and search.HazardQuery.
// Controller only.

func (w *World) CellType(x, y, z int) search.Material {
	return search.Material(w.catalogs.Blocks.Name(w.chunks.GetBlock(x, y, z)))
}

func (w *World) IsSolid(m search.Material) bool {
	return w.catalogs.Blocks.Defs[string(m)].Solid
}

func (w *World) IsLiquid(m search.Material) bool {
	return w.catalogs.Blocks.Defs[string(m)].Liquid
}

func (w *World) IsHazard(m search.Material) bool {
	return w.catalogs.Blocks.Defs[string(m)].Hazard
}

func (w *World) MaxHeight() int { return w.chunks.Height() }

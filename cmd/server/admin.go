package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxelrtp/internal/rtp"
	rtpconfig "voxelrtp/internal/rtp/config"
	"voxelrtp/internal/sim/multiworld"
	"voxelrtp/internal/transport/ws"
)

type adminDeps struct {
	Manager *multiworld.Manager
	Service *rtp.Service
	Store   *rtpconfig.Store
	RTPPath string
	// Index is nil when the backend cannot be queried locally.
	Index historyIndex
	// IndexStats reports the backend's queue counters; nil without a backend.
	IndexStats func() any
	Pprof      bool
	Logger     zerolog.Logger
}

func newMux(d adminDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/v1/worlds", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		type worldInfo struct {
			ID        string `json:"id"`
			Height    int    `json:"height"`
			SeaLevel  int    `json:"sea_level"`
			BoundaryR int    `json:"boundary_r"`
		}
		out := []worldInfo{}
		for _, id := range d.Manager.WorldIDs() {
			rt := d.Manager.Runtime(id)
			if rt == nil {
				continue
			}
			out = append(out, worldInfo{ID: id, Height: rt.Spec.Height, SeaLevel: rt.Spec.SeaLevel, BoundaryR: rt.Spec.BoundaryR})
		}
		writeJSON(rw, http.StatusOK, map[string]any{"worlds": out, "rtp_world": d.Store.Snapshot().World})
	}))
	mux.HandleFunc("/admin/v1/rtp/config", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, d.Store.Snapshot())
	}))
	mux.HandleFunc("/admin/v1/rtp/reload", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cfg, err := reloadConfig(d.Store, d.RTPPath, d.Logger)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "world": cfg.World})
	}))
	mux.HandleFunc("/admin/v1/rtp/stats", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		out := map[string]any{"searching": d.Service.Limiter().Searching()}
		if d.IndexStats != nil {
			out["index"] = d.IndexStats()
		}
		if d.Index != nil {
			counts, err := d.Index.CountByOutcome(r.Context())
			if err != nil {
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			out["outcomes"] = counts
		}
		writeJSON(rw, http.StatusOK, out)
	}))
	mux.HandleFunc("/admin/v1/actors/", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		// Patterns: /admin/v1/actors/{id}/history, /admin/v1/actors/{id}/rtp
		path := strings.TrimPrefix(r.URL.Path, "/admin/v1/actors/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) != 2 {
			http.NotFound(rw, r)
			return
		}
		id, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(rw, "bad actor id", http.StatusBadRequest)
			return
		}
		switch parts[1] {
		case "history":
			if d.Index == nil {
				http.Error(rw, "history not available for this index backend", http.StatusNotImplemented)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			recs, err := d.Index.History(r.Context(), id.String(), limit)
			if err != nil {
				writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			if recs == nil {
				recs = []rtp.Record{}
			}
			writeJSON(rw, http.StatusOK, map[string]any{"actor_id": id.String(), "world": d.Manager.ActorWorld(id), "records": recs})
		case "rtp":
			// Operator-initiated teleport; the cooldown does not apply.
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
			defer cancel()
			out, err := d.Service.RequestTeleport(ctx, id, true)
			if err != nil {
				writeJSON(rw, http.StatusGatewayTimeout, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			writeJSON(rw, http.StatusOK, ws.ResultMsg(r.URL.Query().Get("request_id"), out))
		default:
			http.NotFound(rw, r)
		}
	}))
	if d.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

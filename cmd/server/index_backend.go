package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"voxelrtp/internal/persistence/indexdb"
	"voxelrtp/internal/rtp"
	"voxelrtp/internal/settings"
	"voxelrtp/internal/sim/catalogs"
)

type runtimeIndex interface {
	rtp.Recorder
	Close() error
	UpsertCatalogs(configDir string, cats *catalogs.Catalogs) error
}

// historyIndex is implemented by backends that can answer queries locally.
type historyIndex interface {
	History(ctx context.Context, actorID string, limit int) ([]rtp.Record, error)
	CountByOutcome(ctx context.Context) (map[string]int, error)
}

type d1Backend struct{ *indexdb.D1Index }

// Catalogs are not mirrored remotely.
func (d1Backend) UpsertCatalogs(string, *catalogs.Catalogs) error { return nil }

func openRuntimeIndex(st settings.Settings, logger zerolog.Logger) (runtimeIndex, error) {
	switch st.IndexBackend {
	case "none":
		return nil, nil
	case "d1":
		idx, err := indexdb.OpenD1(indexdb.D1Config{
			Endpoint:      st.D1.Endpoint,
			Token:         st.D1.Token,
			ServerID:      st.ServerID,
			BatchSize:     st.D1.BatchSize,
			FlushInterval: time.Duration(st.D1.FlushMS) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return d1Backend{idx}, nil
	default:
		return indexdb.OpenSQLite(filepath.Join(st.DataDir, "index", "rtp.sqlite"))
	}
}

func historyOf(idx runtimeIndex) historyIndex {
	if h, ok := idx.(historyIndex); ok {
		return h
	}
	return nil
}

// statsOf exposes the backend's queue and flush counters to the admin API.
func statsOf(idx runtimeIndex) func() any {
	switch b := idx.(type) {
	case *indexdb.SQLiteIndex:
		return func() any { return b.Stats() }
	case d1Backend:
		return func() any { return b.Stats() }
	}
	return nil
}

package world

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxelrtp/internal/sim/catalogs"
	genpkg "voxelrtp/internal/sim/world/terrain/gen"
	"voxelrtp/internal/sim/world/terrain/store"
)

// ErrStopped is returned by requests made after the world loop exited.
var ErrStopped = errors.New("world stopped")

type WorldConfig struct {
	ID       string
	Height   int
	SeaLevel int
	Relief   int
	Seed     int64
	// BoundaryR bounds |x| and |z|; 0 = unbounded.
	BoundaryR       int
	BiomeRegionSize int

	LavaPoolPermille int
	CactusPermille   int
	TreePermille     int

	SpawnX int
	SpawnZ int

	// QueueSize is the buffer of the posted-closure queue.
	QueueSize int
}

// World owns all block reads and actor mutation. Everything except the
// request helpers must run on the goroutine executing Run.
type World struct {
	cfg      WorldConfig
	log      zerolog.Logger
	catalogs *catalogs.Catalogs
	chunks   *store.ChunkStore

	actors  map[uuid.UUID]*Actor
	clients map[uuid.UUID]*clientState

	join        chan JoinRequest
	leave       chan uuid.UUID
	columnReq   chan columnReq
	actorPosReq chan actorPosReq
	transferOut chan transferOutReq
	posted      chan func()

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg WorldConfig, cats *catalogs.Catalogs, logger zerolog.Logger) (*World, error) {
	if cfg.ID == "" {
		return nil, errors.New("world id is required")
	}
	if cats == nil {
		return nil, errors.New("block catalog is required")
	}
	// Resolve required block ids.
	b := func(id string) (uint16, error) {
		v, ok := cats.Blocks.Index[id]
		if !ok {
			return 0, fmt.Errorf("missing block id in palette: %s", id)
		}
		return v, nil
	}
	air, err := b("AIR")
	if err != nil {
		return nil, err
	}
	stone, err := b("STONE")
	if err != nil {
		return nil, err
	}
	blocks := &cats.Blocks
	dirt := blocks.IndexOr("DIRT", stone)
	sand := blocks.IndexOr("SAND", dirt)
	pal := genpkg.Palette{
		Air:     air,
		Bedrock: blocks.IndexOr("BEDROCK", stone),
		Stone:   stone,
		Dirt:    dirt,
		Grass:   blocks.IndexOr("GRASS", dirt),
		Sand:    sand,
		Gravel:  blocks.IndexOr("GRAVEL", sand),
		Snow:    blocks.IndexOr("SNOW", dirt),
		Log:     blocks.IndexOr("LOG", stone),
		Leaves:  blocks.IndexOr("LEAVES", air),
		Cactus:  blocks.IndexOr("CACTUS", air),
		Magma:   blocks.IndexOr("MAGMA_BLOCK", stone),
		Water:   blocks.IndexOr("WATER", air),
		Lava:    blocks.IndexOr("LAVA", air),
	}

	gen := store.WorldGen{
		Params: genpkg.Params{
			Seed:             cfg.Seed,
			Height:           cfg.Height,
			SeaLevel:         cfg.SeaLevel,
			Relief:           cfg.Relief,
			BiomeRegionSize:  cfg.BiomeRegionSize,
			LavaPoolPermille: cfg.LavaPoolPermille,
			CactusPermille:   cfg.CactusPermille,
			TreePermille:     cfg.TreePermille,
		},
		Palette:   pal,
		BoundaryR: cfg.BoundaryR,
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	w := &World{
		cfg:         cfg,
		log:         logger.With().Str("component", "world").Str("world_id", cfg.ID).Logger(),
		catalogs:    cats,
		chunks:      store.NewChunkStore(gen),
		actors:      map[uuid.UUID]*Actor{},
		clients:     map[uuid.UUID]*clientState{},
		join:        make(chan JoinRequest, 64),
		leave:       make(chan uuid.UUID, 64),
		columnReq:   make(chan columnReq),
		actorPosReq: make(chan actorPosReq),
		transferOut: make(chan transferOutReq),
		posted:      make(chan func(), cfg.QueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	return w, nil
}

func (w *World) ID() string { return w.cfg.ID }

// Done is closed once Run has returned.
func (w *World) Done() <-chan struct{} { return w.done }

// Stop asks the loop to exit; it is safe to call more than once.
func (w *World) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *World) Run(ctx context.Context) error {
	defer close(w.done)
	w.log.Info().
		Int("height", w.chunks.Height()).
		Int("boundary_r", w.cfg.BoundaryR).
		Msg("world loop started")
	defer w.log.Info().Msg("world loop stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			w.handleJoin(req)
		case id := <-w.leave:
			w.handleLeave(id)
		case req := <-w.columnReq:
			w.handleColumnReq(req)
		case req := <-w.actorPosReq:
			w.handleActorPosReq(req)
		case req := <-w.transferOut:
			w.handleTransferOut(req)
		case fn := <-w.posted:
			w.runPosted(fn)
		}
	}
}

func (w *World) runPosted(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("posted task panicked")
		}
	}()
	fn()
}

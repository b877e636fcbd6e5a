package multiworld

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"voxelrtp/internal/sim/catalogs"
	"voxelrtp/internal/sim/world"
)

type Session struct {
	ActorID      uuid.UUID
	CurrentWorld string
	Out          chan []byte
}

type Runtime struct {
	Spec  WorldSpec
	World *world.World
}

const (
	stateVersion          = 1
	worldRequestTimeout   = 3 * time.Second
	defaultPersistBackoff = 200 * time.Millisecond
)

type persistedState struct {
	Version      int               `json:"version"`
	ActorToWorld map[string]string `json:"actor_to_world"`
}

// Manager hosts several worlds and remembers which one each actor lives in.
type Manager struct {
	mu sync.RWMutex

	runtimes  map[string]*Runtime
	defaultID string
	stateFile string
	log       zerolog.Logger

	actorToWorld map[uuid.UUID]string
	// moveMu serializes relocations with leaves so a disconnect never races
	// an actor into a world it already left.
	moveMu sync.Mutex

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

// BuildRuntimes creates one world per spec in cfg.
func BuildRuntimes(cfg Config, baseSeed int64, cats *catalogs.Catalogs, logger zerolog.Logger) (map[string]*Runtime, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]*Runtime, len(cfg.Worlds))
	for _, spec := range cfg.Worlds {
		w, err := world.New(spec.WorldConfig(baseSeed), cats, logger)
		if err != nil {
			return nil, fmt.Errorf("world %s: %w", spec.ID, err)
		}
		out[spec.ID] = &Runtime{Spec: spec, World: w}
	}
	return out, nil
}

func NewManager(cfg Config, runtimes map[string]*Runtime, stateFile string, logger zerolog.Logger) (*Manager, error) {
	if len(runtimes) == 0 {
		return nil, fmt.Errorf("empty runtimes")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, spec := range cfg.Worlds {
		rt := runtimes[spec.ID]
		if rt == nil || rt.World == nil {
			return nil, fmt.Errorf("missing runtime for world %s", spec.ID)
		}
	}
	m := &Manager{
		runtimes:        runtimes,
		defaultID:       cfg.DefaultWorldID,
		stateFile:       stateFile,
		log:             logger.With().Str("component", "multiworld").Logger(),
		actorToWorld:    map[uuid.UUID]string{},
		persistDebounce: defaultPersistBackoff,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	m.loadState()
	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

func (m *Manager) WorldIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) Runtime(id string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[id]
}

// World returns the running world with the given id.
func (m *Manager) World(id string) (*world.World, bool) {
	rt := m.Runtime(id)
	if rt == nil {
		return nil, false
	}
	return rt.World, true
}

// Run drives every world loop until ctx ends or one loop fails.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range m.WorldIDs() {
		w := m.Runtime(id).World
		g.Go(func() error {
			if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("world %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop asks every world loop to exit.
func (m *Manager) Stop() {
	for _, id := range m.WorldIDs() {
		m.Runtime(id).World.Stop()
	}
}

// Join places the actor in worldPreference when it exists, else in the world
// the actor was last seen in, else in the default world.
func (m *Manager) Join(ctx context.Context, id uuid.UUID, name string, out chan []byte, worldPreference string) (Session, world.JoinResponse, error) {
	target := m.pickWorld(id, worldPreference)
	rt := m.Runtime(target)
	if rt == nil {
		return Session{}, world.JoinResponse{}, fmt.Errorf("default world not found: %s", target)
	}
	reqCtx, cancel := m.requestCtx(ctx)
	defer cancel()
	resp, err := rt.World.RequestJoin(reqCtx, id, name, out)
	if err != nil {
		return Session{}, world.JoinResponse{}, fmt.Errorf("join request failed: %w", err)
	}
	s := Session{
		ActorID:      resp.ActorID,
		CurrentWorld: target,
		Out:          out,
	}
	m.updateResidency(resp.ActorID, target)
	return s, resp, nil
}

// Leave detaches the actor from the world it currently lives in, which may
// differ from the session's join world after a relocation.
func (m *Manager) Leave(s Session) {
	m.moveMu.Lock()
	defer m.moveMu.Unlock()
	worldID := m.ActorWorld(s.ActorID)
	if worldID == "" {
		worldID = s.CurrentWorld
	}
	if rt := m.Runtime(worldID); rt != nil {
		rt.World.Leave(s.ActorID)
	}
}

// Relocate moves a connected actor into worldID, keeping its output queue. It
// is a no-op when the actor already lives there.
func (m *Manager) Relocate(ctx context.Context, id uuid.UUID, worldID string) error {
	m.moveMu.Lock()
	defer m.moveMu.Unlock()

	dst := m.Runtime(worldID)
	if dst == nil {
		return fmt.Errorf("world not found: %s", worldID)
	}
	from := m.ActorWorld(id)
	if from == worldID {
		return nil
	}
	src := m.Runtime(from)
	if src == nil {
		return fmt.Errorf("relocate %s: %w", id, world.ErrActorNotFound)
	}

	reqCtx, cancel := m.requestCtx(ctx)
	defer cancel()
	tr, err := src.World.RequestTransferOut(reqCtx, id)
	if err != nil {
		return fmt.Errorf("relocate %s out of %s: %w", id, from, err)
	}
	if _, err := dst.World.RequestJoin(reqCtx, id, tr.Name, tr.Out); err != nil {
		// Put the actor back where it came from.
		backCtx, backCancel := m.requestCtx(context.Background())
		defer backCancel()
		if _, berr := src.World.RequestJoin(backCtx, id, tr.Name, tr.Out); berr != nil {
			m.log.Error().Err(berr).Str("actor_id", id.String()).Str("world", from).Msg("actor lost during relocation")
		}
		return fmt.Errorf("relocate %s into %s: %w", id, worldID, err)
	}
	m.updateResidency(id, worldID)
	m.log.Info().Str("actor_id", id.String()).Str("from", from).Str("to", worldID).Msg("actor relocated")
	return nil
}

func (m *Manager) ActorWorld(id uuid.UUID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actorToWorld[id]
}

// Send delivers a notice to the actor through the world it lives in. It never
// blocks; the notice is dropped when that world is busy or gone.
func (m *Manager) Send(id uuid.UUID, text string) {
	rt := m.Runtime(m.ActorWorld(id))
	if rt == nil {
		return
	}
	w := rt.World
	if !w.TryPost(func() { w.Notify(id, text) }) {
		m.log.Debug().Str("actor_id", id.String()).Msg("notice dropped")
	}
}

func (m *Manager) pickWorld(id uuid.UUID, pref string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := strings.TrimSpace(pref); p != "" {
		if _, ok := m.runtimes[p]; ok {
			return p
		}
	}
	if id != uuid.Nil {
		if w := m.actorToWorld[id]; w != "" {
			if _, ok := m.runtimes[w]; ok {
				return w
			}
		}
	}
	return m.defaultID
}

func (m *Manager) requestCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, worldRequestTimeout)
}

func (m *Manager) updateResidency(id uuid.UUID, worldID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actorToWorld[id] == worldID {
		return
	}
	m.actorToWorld[id] = worldID
	m.schedulePersistLocked()
}

func (m *Manager) loadState() {
	if m.stateFile == "" {
		return
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		m.log.Warn().Err(err).Str("path", m.stateFile).Msg("ignoring unreadable residency state")
		return
	}
	for k, v := range st.ActorToWorld {
		id, err := uuid.Parse(k)
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		m.actorToWorld[id] = v
	}
}

func (m *Manager) schedulePersistLocked() {
	if m.stateFile == "" || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			m.persistNow()
		}
	}
}

// Close stops persistence after writing the residency state one last time.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.persistStop)
		m.persistWG.Wait()
	})
}

func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistNow() {
	m.writeState(m.snapshotState())
}

func (m *Manager) snapshotState() persistedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := persistedState{
		Version:      stateVersion,
		ActorToWorld: make(map[string]string, len(m.actorToWorld)),
	}
	for id, w := range m.actorToWorld {
		st.ActorToWorld[id.String()] = w
	}
	return st
}

func (m *Manager) writeState(st persistedState) {
	if m.stateFile == "" {
		return
	}
	b, _ := json.MarshalIndent(st, "", "  ")
	_ = os.MkdirAll(filepath.Dir(m.stateFile), 0o755)
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		m.log.Error().Err(err).Str("path", tmp).Msg("write residency state")
		return
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		m.log.Error().Err(err).Str("path", m.stateFile).Msg("rename residency state")
	}
}

package rtp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp/config"
	"voxelrtp/internal/rtp/ratelimit"
	"voxelrtp/internal/rtp/search"
	"voxelrtp/internal/sim/catalogs"
	"voxelrtp/internal/sim/multiworld"
	"voxelrtp/internal/sim/world"
)

// fakeWorld runs closures on its own controller goroutine and records what
// the service asked it to do.
type fakeWorld struct {
	id      string
	q       chan func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	verdict func(n, x, z int) (search.Verdict, error)

	mu          sync.Mutex
	calls       int
	online      map[uuid.UUID]bool
	notices     map[uuid.UUID][]string
	teleported  map[uuid.UUID]search.Location
	teleportErr error
}

func newFakeWorld(t *testing.T, id string, verdict func(n, x, z int) (search.Verdict, error)) *fakeWorld {
	t.Helper()
	w := &fakeWorld{
		id:         id,
		q:          make(chan func(), 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		verdict:    verdict,
		online:     map[uuid.UUID]bool{},
		notices:    map[uuid.UUID][]string{},
		teleported: map[uuid.UUID]search.Location{},
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-w.stop:
				return
			case fn := <-w.q:
				fn()
			}
		}
	}()
	t.Cleanup(w.Stop)
	return w
}

func (w *fakeWorld) Stop() { w.once.Do(func() { close(w.stop) }) }

func (w *fakeWorld) ID() string { return w.id }

func (w *fakeWorld) EvaluateColumn(ctx context.Context, x, z int) (search.Verdict, error) {
	type resp struct {
		v   search.Verdict
		err error
	}
	ch := make(chan resp, 1)
	fn := func() {
		w.mu.Lock()
		w.calls++
		n := w.calls
		w.mu.Unlock()
		v, err := w.verdict(n, x, z)
		ch <- resp{v, err}
	}
	if err := w.Post(ctx, fn); err != nil {
		return search.Unsafe, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-w.done:
		return search.Unsafe, world.ErrStopped
	case <-ctx.Done():
		return search.Unsafe, ctx.Err()
	}
}

func (w *fakeWorld) Post(ctx context.Context, fn func()) error {
	select {
	case <-w.done:
		return world.ErrStopped
	default:
	}
	select {
	case w.q <- fn:
		return nil
	case <-w.done:
		return world.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWorld) TryPost(fn func()) bool {
	select {
	case w.q <- fn:
		return true
	default:
		return false
	}
}

func (w *fakeWorld) Done() <-chan struct{} { return w.done }

func (w *fakeWorld) Online(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online[id]
}

func (w *fakeWorld) Notify(id uuid.UUID, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notices[id] = append(w.notices[id], text)
}

func (w *fakeWorld) Teleport(id uuid.UUID, loc search.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.teleportErr != nil {
		return w.teleportErr
	}
	w.teleported[id] = loc
	return nil
}

func (w *fakeWorld) setOnline(id uuid.UUID, on bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.online[id] = on
}

func (w *fakeWorld) noticesFor(id uuid.UUID) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.notices[id]...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (r *memRecorder) RecordOutcome(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) all() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.recs...)
}

type memMessenger struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]string
}

func (m *memMessenger) Send(id uuid.UUID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[uuid.UUID][]string{}
	}
	m.sent[id] = append(m.sent[id], text)
}

func (m *memMessenger) sentTo(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent[id]...)
}

func testConfig(worldID string) config.Config {
	c := config.Defaults()
	c.World = worldID
	c.MinDistance = 5
	c.MaxDistance = 40
	c.MaxAttempts = 25
	c.CooldownSeconds = 60
	c.SearchTimeoutMs = 0
	return c
}

type harness struct {
	svc      *Service
	limiter  *ratelimit.Limiter
	clock    *fakeClock
	recorder *memRecorder
	msgr     *memMessenger
}

func newHarness(t *testing.T, cfg config.Config, worlds map[string]World) harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	h := harness{
		limiter:  ratelimit.NewWithClock(clock.Now),
		clock:    clock,
		recorder: &memRecorder{},
		msgr:     &memMessenger{},
	}
	svc, err := New(Options{
		Config: config.NewStore(cfg),
		Worlds: WorldsFunc(func(id string) (World, bool) {
			w, ok := worlds[id]
			return w, ok
		}),
		Limiter:   h.limiter,
		Logger:    zerolog.Nop(),
		Recorder:  h.recorder,
		Messenger: h.msgr,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func alwaysUnsafe(int, int, int) (search.Verdict, error) { return search.Unsafe, nil }

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresConfigAndWorlds(t *testing.T) {
	_, err := New(Options{Worlds: WorldsFunc(func(string) (World, bool) { return nil, false })})
	require.Error(t, err)
	_, err = New(Options{Config: config.NewStore(config.Defaults())})
	require.Error(t, err)
}

func TestRequestTeleport_SuccessAppliesCooldown(t *testing.T) {
	fw := newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 3 {
			return search.Safe(70), nil
		}
		return search.Unsafe, nil
	})
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	require.Equal(t, Success, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 70, out.Location.Y)

	fw.mu.Lock()
	loc := fw.teleported[a]
	fw.mu.Unlock()
	assert.Equal(t, out.Location, loc)

	notices := fw.noticesFor(a)
	require.Len(t, notices, 2)
	assert.Equal(t, config.Defaults().Messages.Searching, notices[0])
	assert.Contains(t, notices[1], "Teleported to")
	assert.NotContains(t, notices[1], "%x%")

	assert.False(t, h.limiter.IsSearching(a))
	assert.True(t, h.limiter.IsOnCooldown(a, false))
	assert.Equal(t, 60, h.limiter.RemainingSeconds(a))

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Equal(t, protocol.OutcomeSuccess, recs[0].Outcome)
	require.NotNil(t, recs[0].Pos)
	assert.Equal(t, 70, recs[0].Pos[1])
}

func TestRequestTeleport_CooldownAndBypass(t *testing.T) {
	fw := newFakeWorld(t, "W", func(int, int, int) (search.Verdict, error) { return search.Safe(5), nil })
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)
	ctx := callCtx(t)

	out, err := h.svc.RequestTeleport(ctx, a, false)
	require.NoError(t, err)
	require.Equal(t, Success, out.Kind)

	h.clock.Advance(20500 * time.Millisecond)
	out, err = h.svc.RequestTeleport(ctx, a, false)
	require.NoError(t, err)
	assert.Equal(t, OnCooldown, out.Kind)
	assert.Equal(t, 40, out.SecondsLeft)
	assert.False(t, h.limiter.IsSearching(a), "a rejected request must not set the flag")

	require.Eventually(t, func() bool {
		n := fw.noticesFor(a)
		return len(n) > 0 && n[len(n)-1] == "<red>You must wait 40 seconds before using this command again."
	}, 2*time.Second, 5*time.Millisecond)

	out, err = h.svc.RequestTeleport(ctx, a, true)
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)

	h.clock.Advance(61 * time.Second)
	out, err = h.svc.RequestTeleport(ctx, a, false)
	require.NoError(t, err)
	assert.Equal(t, Success, out.Kind)

	// Gated outcomes are not part of the history.
	for _, r := range h.recorder.all() {
		assert.Equal(t, protocol.OutcomeSuccess, r.Outcome)
	}
}

func TestRequestTeleport_AlreadySearchingIgnoresBypass(t *testing.T) {
	fw := newFakeWorld(t, "W", alwaysUnsafe)
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)
	require.True(t, h.limiter.TryBeginSearch(a))

	out, err := h.svc.RequestTeleport(callCtx(t), a, true)
	require.NoError(t, err)
	assert.Equal(t, AlreadySearching, out.Kind)
	assert.True(t, h.limiter.IsSearching(a), "rejection must not clear the other search's flag")
	require.Eventually(t, func() bool {
		n := fw.noticesFor(a)
		return len(n) == 1 && n[0] == config.Defaults().Messages.AlreadySearching
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestTeleport_WorldUnavailable(t *testing.T) {
	for _, worldID := range []string{"", "NOPE"} {
		h := newHarness(t, testConfig(worldID), map[string]World{})
		a := uuid.New()

		out, err := h.svc.RequestTeleport(callCtx(t), a, false)
		require.NoError(t, err)
		assert.Equal(t, WorldUnavailable, out.Kind, "world %q", worldID)
		assert.False(t, h.limiter.IsSearching(a))
		assert.False(t, h.limiter.IsOnCooldown(a, false))
		assert.Equal(t, []string{config.Defaults().Messages.WorldNotFound}, h.msgr.sentTo(a))

		recs := h.recorder.all()
		require.Len(t, recs, 1)
		assert.Equal(t, protocol.OutcomeWorldUnavailable, recs[0].Outcome)
	}
}

func TestRequestTeleport_ExhaustionReportsProgress(t *testing.T) {
	fw := newFakeWorld(t, "W", alwaysUnsafe)
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.Equal(t, 25, out.Attempts)
	assert.NoError(t, out.Err)

	msgs := config.Defaults().Messages
	assert.Equal(t, []string{
		msgs.Searching,
		"<yellow>Still searching... Attempt 10/25",
		"<yellow>Still searching... Attempt 20/25",
		msgs.Error,
	}, fw.noticesFor(a))
	assert.False(t, h.limiter.IsSearching(a))
	assert.False(t, h.limiter.IsOnCooldown(a, false), "no cooldown without a teleport")
}

func TestRequestTeleport_InfrastructureFailure(t *testing.T) {
	boom := errors.New("chunk load failed")
	fw := newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 3 {
			return search.Unsafe, boom
		}
		return search.Unsafe, nil
	})
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.ErrorIs(t, out.Err, search.ErrInfrastructure)
	assert.ErrorIs(t, out.Err, boom)
	assert.False(t, h.limiter.IsSearching(a))

	recs := h.recorder.all()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "chunk load failed")
}

func TestRequestTeleport_TeleportFailureSkipsCooldown(t *testing.T) {
	fw := newFakeWorld(t, "W", func(int, int, int) (search.Verdict, error) { return search.Safe(5), nil })
	fw.teleportErr = errors.New("rejected")
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.False(t, h.limiter.IsOnCooldown(a, false))
	assert.False(t, h.limiter.IsSearching(a))
}

func TestRequestTeleport_ActorGoneBeforeDelivery(t *testing.T) {
	a := uuid.New()
	var fw *fakeWorld
	fw = newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 4 {
			// The actor disconnects mid-search.
			fw.setOnline(a, false)
			return search.Safe(9), nil
		}
		return search.Unsafe, nil
	})
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, ActorGone, out.Kind)
	assert.False(t, h.limiter.IsSearching(a))
	assert.False(t, h.limiter.IsOnCooldown(a, false))

	fw.mu.Lock()
	_, moved := fw.teleported[a]
	fw.mu.Unlock()
	assert.False(t, moved)
	assert.Equal(t, []string{config.Defaults().Messages.Searching}, fw.noticesFor(a))
}

func TestRequestTeleport_WorldStopsMidSearch(t *testing.T) {
	var fw *fakeWorld
	fw = newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 2 {
			fw.Stop()
		}
		return search.Unsafe, nil
	})
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.Error(t, out.Err)
	assert.False(t, h.limiter.IsSearching(a))
}

func TestRequestTeleport_CallerCancelStillClearsFlag(t *testing.T) {
	release := make(chan struct{})
	fw := newFakeWorld(t, "W", func(n, x, z int) (search.Verdict, error) {
		if n == 1 {
			<-release
		}
		return search.Unsafe, nil
	})
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.RequestTeleport(ctx, a, false)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.limiter.IsSearching(a) }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.Eventually(t, func() bool { return !h.limiter.IsSearching(a) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.recorder.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.OutcomeNotFound, h.recorder.all()[0].Outcome)
}

func TestRequestTeleport_SearchTimeout(t *testing.T) {
	fw := newFakeWorld(t, "W", func(int, int, int) (search.Verdict, error) {
		time.Sleep(5 * time.Millisecond)
		return search.Unsafe, nil
	})
	cfg := testConfig("W")
	cfg.MaxAttempts = 100000
	cfg.SearchTimeoutMs = 40
	h := newHarness(t, cfg, map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Less(t, out.Attempts, cfg.MaxAttempts)
	assert.False(t, h.limiter.IsSearching(a))
}

func TestRequestTeleport_ConfigReloadTakesEffectNextRequest(t *testing.T) {
	fw := newFakeWorld(t, "W", alwaysUnsafe)
	h := newHarness(t, testConfig("W"), map[string]World{"W": fw})
	a := uuid.New()
	fw.setOnline(a, true)

	next := testConfig("W")
	next.MaxAttempts = 3
	h.svc.cfg.Replace(next)

	out, err := h.svc.RequestTeleport(callCtx(t), a, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, out.Kind)
	assert.Equal(t, 3, out.Attempts)
}

// Real world loops below.

func startRealWorld(t *testing.T) *world.World {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	require.NoError(t, err)
	w, err := world.New(world.WorldConfig{
		ID:        "W1",
		Height:    32,
		SeaLevel:  10,
		Seed:      7,
		BoundaryR: 64,
	}, cats, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	return w
}

func realWorlds(w *world.World) map[string]World {
	return map[string]World{w.ID(): w}
}

func TestRequestTeleport_RealWorldSuccess(t *testing.T) {
	w := startRealWorld(t)
	h := newHarness(t, testConfig("W1"), realWorlds(w))
	ctx := callCtx(t)
	out := make(chan []byte, 32)
	joined, err := w.RequestJoin(ctx, uuid.Nil, "alice", out)
	require.NoError(t, err)
	a := joined.ActorID

	res, err := h.svc.RequestTeleport(ctx, a, false)
	require.NoError(t, err)
	require.Equal(t, Success, res.Kind)
	assert.Equal(t, 1, res.Attempts, "every column of a flat world is safe")
	assert.Equal(t, 11, res.Location.Y)
	d2 := res.Location.X*res.Location.X + res.Location.Z*res.Location.Z
	assert.LessOrEqual(t, d2, 39*39)

	pos, err := w.RequestActorPos(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, world.Vec3i{X: res.Location.X, Y: 11, Z: res.Location.Z}, pos)

	var types []string
	for len(out) > 0 {
		var base protocol.BaseMessage
		require.NoError(t, json.Unmarshal(<-out, &base))
		types = append(types, base.Type)
	}
	assert.Equal(t, []string{protocol.TypeNotice, protocol.TypeTeleported, protocol.TypeNotice}, types)
}

func TestRequestTeleport_RealWorldManyActors(t *testing.T) {
	w := startRealWorld(t)
	h := newHarness(t, testConfig("W1"), realWorlds(w))
	ctx := callCtx(t)

	const n = 100
	ids := make([]uuid.UUID, n)
	for i := range ids {
		resp, err := w.RequestJoin(ctx, uuid.Nil, "actor", make(chan []byte, 64))
		require.NoError(t, err)
		ids[i] = resp.ActorID
	}

	outs := make([]Outcome, n)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.RequestTeleport(ctx, id, false)
			assert.NoError(t, err)
			outs[i] = out
		}()
	}
	wg.Wait()

	for i, out := range outs {
		assert.Equal(t, Success, out.Kind, "actor %d", i)
	}
	assert.Equal(t, 0, h.limiter.Searching())
	assert.Len(t, h.recorder.all(), n)
}

func TestRequestTeleport_RealWorldSameActorConcurrent(t *testing.T) {
	w := startRealWorld(t)
	h := newHarness(t, testConfig("W1"), realWorlds(w))
	ctx := callCtx(t)
	resp, err := w.RequestJoin(ctx, uuid.Nil, "bob", make(chan []byte, 256))
	require.NoError(t, err)

	const n = 20
	kinds := make(chan Kind, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.RequestTeleport(ctx, resp.ActorID, false)
			assert.NoError(t, err)
			kinds <- out.Kind
		}()
	}
	wg.Wait()
	close(kinds)

	successes := 0
	for k := range kinds {
		switch k {
		case Success:
			successes++
		case AlreadySearching, OnCooldown:
		default:
			t.Fatalf("unexpected outcome %v", k)
		}
	}
	assert.Equal(t, 1, successes)
	assert.False(t, h.limiter.IsSearching(resp.ActorID))
}

func TestRequestTeleport_RealWorldDisconnectedActor(t *testing.T) {
	w := startRealWorld(t)
	h := newHarness(t, testConfig("W1"), realWorlds(w))
	ctx := callCtx(t)
	resp, err := w.RequestJoin(ctx, uuid.Nil, "carol", make(chan []byte, 8))
	require.NoError(t, err)
	w.Leave(resp.ActorID)
	require.Eventually(t, func() bool {
		_, err := w.RequestActorPos(ctx, resp.ActorID)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)

	out, err := h.svc.RequestTeleport(ctx, resp.ActorID, false)
	require.NoError(t, err)
	assert.Equal(t, ActorGone, out.Kind)
	assert.False(t, h.limiter.IsSearching(resp.ActorID))
}

// startTwoWorlds runs W1 (where actors join) and W2 under one manager.
func startTwoWorlds(t *testing.T, w2BoundaryR int) *multiworld.Manager {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "configs"))
	require.NoError(t, err)
	cfg := multiworld.Config{
		DefaultWorldID: "W1",
		Worlds: []multiworld.WorldSpec{
			{ID: "W1", Height: 32, SeaLevel: 10, BoundaryR: 64},
			{ID: "W2", Height: 32, SeaLevel: 12, BoundaryR: w2BoundaryR},
		},
	}
	runtimes, err := multiworld.BuildRuntimes(cfg, 7, cats, zerolog.Nop())
	require.NoError(t, err)
	mgr, err := multiworld.NewManager(cfg, runtimes, "", zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		mgr.Close()
	})
	return mgr
}

func managerService(t *testing.T, mgr *multiworld.Manager, target string) *Service {
	t.Helper()
	svc, err := New(Options{
		Config: config.NewStore(testConfig(target)),
		Worlds: WorldsFunc(func(id string) (World, bool) {
			w, ok := mgr.World(id)
			if !ok {
				return nil, false
			}
			return w, true
		}),
		Logger:    zerolog.Nop(),
		Messenger: mgr,
		Relocator: mgr,
	})
	require.NoError(t, err)
	return svc
}

func drainFrames(t *testing.T, out chan []byte) map[string][][]byte {
	t.Helper()
	frames := map[string][][]byte{}
	for len(out) > 0 {
		b := <-out
		var base protocol.BaseMessage
		require.NoError(t, json.Unmarshal(b, &base))
		frames[base.Type] = append(frames[base.Type], b)
	}
	return frames
}

func TestRequestTeleport_MovesActorFromAnotherWorld(t *testing.T) {
	mgr := startTwoWorlds(t, 64)
	svc := managerService(t, mgr, "W2")
	ctx := callCtx(t)

	out := make(chan []byte, 32)
	sess, _, err := mgr.Join(ctx, uuid.Nil, "alice", out, "")
	require.NoError(t, err)
	require.Equal(t, "W1", sess.CurrentWorld)
	id := sess.ActorID

	res, err := svc.RequestTeleport(ctx, id, false)
	require.NoError(t, err)
	require.Equal(t, Success, res.Kind)
	assert.Equal(t, 13, res.Location.Y)
	assert.Equal(t, "W2", mgr.ActorWorld(id))
	assert.True(t, svc.Limiter().IsOnCooldown(id, false))
	assert.False(t, svc.Limiter().IsSearching(id))

	w1, _ := mgr.World("W1")
	w2, _ := mgr.World("W2")
	pos, err := w2.RequestActorPos(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, world.Vec3i{X: res.Location.X, Y: 13, Z: res.Location.Z}, pos)
	_, err = w1.RequestActorPos(ctx, id)
	assert.Error(t, err)

	frames := drainFrames(t, out)
	require.Len(t, frames[protocol.TypeTeleported], 1)
	var tp protocol.TeleportedMsg
	require.NoError(t, json.Unmarshal(frames[protocol.TypeTeleported][0], &tp))
	assert.Equal(t, "W2", tp.WorldID)

	// A disconnect after the move detaches the actor from W2.
	mgr.Leave(sess)
	require.Eventually(t, func() bool {
		_, err := w2.RequestActorPos(ctx, id)
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequestTeleport_FailedSearchReachesActorInAnotherWorld(t *testing.T) {
	// Every candidate lands outside W2's tiny boundary.
	mgr := startTwoWorlds(t, 2)
	svc := managerService(t, mgr, "W2")
	ctx := callCtx(t)

	out := make(chan []byte, 64)
	sess, _, err := mgr.Join(ctx, uuid.Nil, "bob", out, "")
	require.NoError(t, err)

	res, err := svc.RequestTeleport(ctx, sess.ActorID, false)
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Kind)
	assert.Equal(t, 25, res.Attempts)
	assert.Equal(t, "W1", mgr.ActorWorld(sess.ActorID))

	// Notices travel through W1; wait for the last one to land.
	msgs := config.Defaults().Messages
	var texts []string
	deadline := time.After(2 * time.Second)
	for len(texts) == 0 || texts[len(texts)-1] != msgs.Error {
		select {
		case b := <-out:
			var n protocol.NoticeMsg
			require.NoError(t, json.Unmarshal(b, &n))
			if n.Type == protocol.TypeNotice {
				texts = append(texts, n.Text)
			}
		case <-deadline:
			t.Fatalf("notices so far: %q", texts)
		}
	}
	assert.Equal(t, msgs.Searching, texts[0])
}

package rtp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voxelrtp/internal/rtp/config"
	"voxelrtp/internal/rtp/metrics"
	"voxelrtp/internal/rtp/ratelimit"
	"voxelrtp/internal/rtp/search"
)

var errWorldStopped = errors.New("world stopped before delivery")

type Options struct {
	Config  *config.Store
	Worlds  Worlds
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger

	// Optional.
	Metrics   *metrics.Metrics
	Recorder  Recorder
	Messenger Messenger
	// Relocator brings actors living in another world into the target world
	// before delivery. Without it only actors already there can be moved.
	Relocator Relocator
	Source    search.Source
	Now       func() time.Time
}

// Service runs random teleports: it gates requests, runs one search worker per
// accepted request and hands the result to the target world's controller.
type Service struct {
	cfg       *config.Store
	worlds    Worlds
	limiter   *ratelimit.Limiter
	log       zerolog.Logger
	metrics   *metrics.Metrics
	recorder  Recorder
	messenger Messenger
	relocator Relocator
	source    search.Source
	now       func() time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("rtp: config store is required")
	}
	if opts.Worlds == nil {
		return nil, errors.New("rtp: world lookup is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		cfg:       opts.Config,
		worlds:    opts.Worlds,
		limiter:   opts.Limiter,
		log:       opts.Logger.With().Str("component", "rtp").Logger(),
		metrics:   opts.Metrics,
		recorder:  opts.Recorder,
		messenger: opts.Messenger,
		relocator: opts.Relocator,
		source:    opts.Source,
		now:       opts.Now,
	}, nil
}

func (s *Service) Limiter() *ratelimit.Limiter { return s.limiter }

// RequestTeleport relocates the actor to a random safe location in the
// configured world. The error is non-nil only when ctx ends before the outcome
// is known; the search keeps running and still clears the actor's flag.
func (s *Service) RequestTeleport(ctx context.Context, id uuid.UUID, bypassCooldown bool) (Outcome, error) {
	cfg := s.cfg.Snapshot()
	s.metrics.Request(ctx)

	w, ok := s.lookup(cfg.World)
	log := s.log.With().Str("actor_id", id.String()).Str("world", cfg.World).Logger()

	if s.limiter.IsSearching(id) {
		log.Debug().Msg("rtp rejected: already searching")
		s.notify(w, id, cfg.Messages.AlreadySearching)
		return s.gated(ctx, Outcome{Kind: AlreadySearching}), nil
	}
	if s.limiter.IsOnCooldown(id, bypassCooldown) {
		left := s.limiter.RemainingSeconds(id)
		log.Debug().Int("seconds_left", left).Msg("rtp rejected: cooldown")
		s.notify(w, id, Expand(cfg.Messages.Cooldown, Vars{"time": left}))
		return s.gated(ctx, Outcome{Kind: OnCooldown, SecondsLeft: left}), nil
	}
	if !ok {
		log.Error().Msg("rtp target world not found")
		s.notify(nil, id, cfg.Messages.WorldNotFound)
		out := Outcome{Kind: WorldUnavailable}
		s.finish(ctx, cfg.World, id, s.now(), out)
		return out, nil
	}
	if !s.limiter.TryBeginSearch(id) {
		// Lost the race against a concurrent request from the same actor.
		s.notify(w, id, cfg.Messages.AlreadySearching)
		return s.gated(ctx, Outcome{Kind: AlreadySearching}), nil
	}

	s.notify(w, id, cfg.Messages.Searching)
	result := make(chan Outcome, 1)
	go s.runSearch(context.WithoutCancel(ctx), w, id, cfg, result)

	select {
	case out := <-result:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Service) lookup(worldID string) (World, bool) {
	if worldID == "" {
		return nil, false
	}
	w, ok := s.worlds.World(worldID)
	if !ok || w == nil {
		return nil, false
	}
	return w, true
}

func (s *Service) gated(ctx context.Context, out Outcome) Outcome {
	s.metrics.Outcome(ctx, out.Kind.String())
	return out
}

// notify sends text to the actor through w's controller, falling back to the
// messenger when w is nil, busy, or does not host the actor.
func (s *Service) notify(w World, id uuid.UUID, text string) {
	if text == "" {
		return
	}
	if w != nil {
		if w.TryPost(func() { s.tell(w, w.Online(id), id, text) }) {
			return
		}
	}
	if s.messenger != nil {
		s.messenger.Send(id, text)
	}
}

// runSearch is the worker. Every path out of it clears the searching flag
// exactly once, either on the controller or here when delivery is impossible.
func (s *Service) runSearch(ctx context.Context, w World, id uuid.UUID, cfg config.Config, result chan<- Outcome) {
	start := s.now()
	log := s.log.With().Str("actor_id", id.String()).Str("world", w.ID()).Logger()

	searchCtx := ctx
	if d := cfg.SearchTimeout(); d > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	opts := []search.Option{
		search.WithProgress(func(attempt, maxAttempts int) {
			text := Expand(cfg.Messages.Progress, Vars{"attempt": attempt, "max": maxAttempts})
			if text == "" {
				return
			}
			// Progress is best effort.
			s.notify(w, id, text)
		}),
	}
	if s.source != nil {
		opts = append(opts, search.WithSource(s.source))
	}

	res, err := search.Run(searchCtx, cfg.Origin(), cfg.Params(), w.EvaluateColumn, opts...)
	s.metrics.Search(ctx, res.Attempts, s.now().Sub(start), res.Found)

	var moveErr error
	if err == nil && res.Found && s.relocator != nil {
		moveErr = s.relocator.Relocate(ctx, id, w.ID())
	}

	delivered := make(chan Outcome, 1)
	deliver := func() { delivered <- s.deliver(w, id, cfg, res, err, moveErr) }

	var out Outcome
	if perr := w.Post(ctx, deliver); perr != nil {
		s.limiter.EndSearch(id)
		log.Error().Err(perr).AnErr("search_err", err).Msg("rtp result could not be delivered")
		out = Outcome{Kind: NotFound, Attempts: res.Attempts, Err: fmt.Errorf("%w: %w", errWorldStopped, perr)}
	} else {
		select {
		case out = <-delivered:
		case <-w.Done():
			select {
			case out = <-delivered:
			default:
				s.limiter.EndSearch(id)
				log.Error().AnErr("search_err", err).Msg("rtp world stopped before delivery")
				out = Outcome{Kind: NotFound, Attempts: res.Attempts, Err: errWorldStopped}
			}
		}
	}
	s.finish(ctx, w.ID(), id, start, out)
	result <- out
}

// deliver runs on the controller goroutine. A failed search is reported
// wherever the actor lives; a found location needs the actor in w.
func (s *Service) deliver(w World, id uuid.UUID, cfg config.Config, res search.Result, searchErr, moveErr error) Outcome {
	defer s.limiter.EndSearch(id)
	log := s.log.With().Str("actor_id", id.String()).Str("world", w.ID()).Int("attempts", res.Attempts).Logger()
	out := Outcome{Attempts: res.Attempts}
	online := w.Online(id)

	switch {
	case searchErr != nil:
		log.Error().Err(searchErr).Msg("rtp search failed")
		s.tell(w, online, id, cfg.Messages.Error)
		out.Kind = NotFound
		out.Err = searchErr
		return out
	case !res.Found:
		log.Warn().Msgf("no safe location found for %s", id)
		s.tell(w, online, id, cfg.Messages.Error)
		out.Kind = NotFound
		return out
	case !online:
		if moveErr != nil {
			log.Warn().Err(moveErr).Msg("rtp relocation failed")
		}
		log.Debug().Msg("rtp actor gone before delivery")
		out.Kind = ActorGone
		return out
	}

	loc := res.Location
	if err := w.Teleport(id, loc); err != nil {
		log.Error().Err(err).Msg("rtp teleport failed")
		w.Notify(id, cfg.Messages.Error)
		out.Kind = NotFound
		out.Err = err
		return out
	}
	s.limiter.ApplyCooldown(id, cfg.CooldownSeconds)
	w.Notify(id, Expand(cfg.Messages.OK, Vars{"x": loc.X, "y": loc.Y, "z": loc.Z}))
	log.Info().Int("x", loc.X).Int("y", loc.Y).Int("z", loc.Z).Msg("rtp success")
	out.Kind = Success
	out.Location = loc
	return out
}

// tell sends text to an actor that may live in another world. Controller only.
func (s *Service) tell(w World, online bool, id uuid.UUID, text string) {
	if text == "" {
		return
	}
	if online {
		w.Notify(id, text)
		return
	}
	if s.messenger != nil {
		s.messenger.Send(id, text)
	}
}

func (s *Service) finish(ctx context.Context, worldID string, id uuid.UUID, start time.Time, out Outcome) {
	s.metrics.Outcome(ctx, out.Kind.String())
	if s.recorder == nil {
		return
	}
	rec := Record{
		Time:       s.now().UTC(),
		ActorID:    id.String(),
		WorldID:    worldID,
		Outcome:    out.Kind.String(),
		Attempts:   out.Attempts,
		DurationMs: s.now().Sub(start).Milliseconds(),
	}
	if out.Kind == Success {
		pos := [3]int{out.Location.X, out.Location.Y, out.Location.Z}
		rec.Pos = &pos
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if err := s.recorder.RecordOutcome(rec); err != nil {
		s.log.Warn().Err(err).Str("actor_id", rec.ActorID).Msg("record rtp outcome")
	}
}

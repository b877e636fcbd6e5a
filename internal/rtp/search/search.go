package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// ProgressEvery is the attempt interval at which progress is reported.
const ProgressEvery = 10

var (
	ErrInvalidParams  = errors.New("invalid search parameters")
	ErrInfrastructure = errors.New("world query failed")
)

// Params bound one search. They are copied at search start.
type Params struct {
	MinDistance int
	MaxDistance int
	MaxAttempts int
}

func (p Params) Validate() error {
	if p.MinDistance < 0 {
		return fmt.Errorf("%w: min distance %d < 0", ErrInvalidParams, p.MinDistance)
	}
	if p.MaxDistance <= p.MinDistance {
		return fmt.Errorf("%w: max distance %d must exceed min distance %d", ErrInvalidParams, p.MaxDistance, p.MinDistance)
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts %d must be positive", ErrInvalidParams, p.MaxAttempts)
	}
	return nil
}

type Column struct {
	X, Z int
}

type Location struct {
	X, Y, Z int
}

// Oracle evaluates one absolute column. It blocks until the verdict is known.
type Oracle func(ctx context.Context, x, z int) (Verdict, error)

// ProgressFunc receives (attempt, maxAttempts). It must not block.
type ProgressFunc func(attempt, maxAttempts int)

// Source supplies uniform floats in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

type options struct {
	src      Source
	progress ProgressFunc
}

type Option func(*options)

func WithSource(src Source) Option {
	return func(o *options) {
		if src != nil {
			o.src = src
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

type Result struct {
	Location Location
	Found    bool
	// Attempts is the number of oracle invocations made.
	Attempts int
}

// Draw returns a candidate offset and the distance it was drawn at.
// distance is in [MinDistance, MaxDistance); coordinates are truncated toward zero.
func Draw(src Source, p Params) (dx, dz, distance int) {
	angle := src.Float64() * 2 * math.Pi
	distance = p.MinDistance + int(src.Float64()*float64(p.MaxDistance-p.MinDistance))
	dx = int(math.Cos(angle) * float64(distance))
	dz = int(math.Sin(angle) * float64(distance))
	return dx, dz, distance
}

// Run draws up to p.MaxAttempts candidates around origin and returns the first
// one the oracle reports safe. Exhausting the attempts is not an error. An
// oracle failure or context cancellation ends the search with ErrInfrastructure.
func Run(ctx context.Context, origin Column, p Params, oracle Oracle, opts ...Option) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if oracle == nil {
		return Result{}, fmt.Errorf("%w: nil oracle", ErrInfrastructure)
	}
	o := options{src: globalSource{}}
	for _, opt := range opts {
		opt(&o)
	}

	var res Result
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%w: %w", ErrInfrastructure, err)
		}
		dx, dz, _ := Draw(o.src, p)
		x, z := origin.X+dx, origin.Z+dz

		res.Attempts = attempt
		v, err := oracle(ctx, x, z)
		if err != nil {
			return res, fmt.Errorf("%w: attempt %d at (%d,%d): %w", ErrInfrastructure, attempt, x, z, err)
		}
		if v.Safe {
			res.Location = Location{X: x, Y: v.Y, Z: z}
			res.Found = true
			return res, nil
		}
		if attempt%ProgressEvery == 0 && o.progress != nil {
			o.progress(attempt, p.MaxAttempts)
		}
	}
	return res, nil
}

package rtp

import (
	"time"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp/search"
)

type Kind int

const (
	AlreadySearching Kind = iota + 1
	OnCooldown
	WorldUnavailable
	Success
	NotFound
	// ActorGone means the actor disconnected before the result could be delivered.
	ActorGone
)

func (k Kind) String() string {
	switch k {
	case AlreadySearching:
		return protocol.OutcomeAlreadySearching
	case OnCooldown:
		return protocol.OutcomeOnCooldown
	case WorldUnavailable:
		return protocol.OutcomeWorldUnavailable
	case Success:
		return protocol.OutcomeSuccess
	case NotFound:
		return protocol.OutcomeNotFound
	case ActorGone:
		return protocol.OutcomeActorGone
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal result of one RequestTeleport call.
type Outcome struct {
	Kind Kind
	// SecondsLeft is set for OnCooldown.
	SecondsLeft int
	// Location is set for Success.
	Location search.Location
	// Attempts is the number of columns evaluated, when a search ran.
	Attempts int
	// Err carries the cause of an infrastructure failure reported as NotFound.
	Err error
}

// Record is the history entry written for every outcome that got past the
// request gates.
type Record struct {
	Time       time.Time `json:"time"`
	ActorID    string    `json:"actor_id"`
	WorldID    string    `json:"world_id"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts,omitempty"`
	Pos        *[3]int   `json:"pos,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Recorder persists outcome history. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordOutcome(r Record) error
}

// Recorders fans a record out to several recorders and returns the first error.
type Recorders []Recorder

func (rs Recorders) RecordOutcome(r Record) error {
	var first error
	for _, rec := range rs {
		if rec == nil {
			continue
		}
		if err := rec.RecordOutcome(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

package observerproto

// Version is the observer protocol version (separate from the actor WS protocol).
const Version = "0.1"

const (
	TypeSubscribe  = "SUBSCRIBE"
	TypeSubscribed = "SUBSCRIBED"
	TypeOutcome    = "OUTCOME"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter. Empty lists match everything.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Worlds          []string `json:"worlds,omitempty"`
	Outcomes        []string `json:"outcomes,omitempty"`
}

// Server -> Client acknowledgement of a SUBSCRIBE.
type SubscribedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string        `json:"protocol_version"`
	RTPWorld        string        `json:"rtp_world"`
	Worlds          []WorldParams `json:"worlds"`
	BlockPalette    []string      `json:"block_palette"`
}

type WorldParams struct {
	ID        string `json:"id"`
	Height    int    `json:"height"`
	SeaLevel  int    `json:"sea_level"`
	BoundaryR int    `json:"boundary_r"`
	Seed      int64  `json:"seed"`
}

// Server -> Client. One per recorded teleport outcome.
type OutcomeMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Time            string  `json:"time"`
	ActorID         string  `json:"actor_id"`
	WorldID         string  `json:"world_id"`
	Outcome         string  `json:"outcome"`
	Attempts        int     `json:"attempts,omitempty"`
	Pos             *[3]int `json:"pos,omitempty"`
	DurationMs      int64   `json:"duration_ms"`
}

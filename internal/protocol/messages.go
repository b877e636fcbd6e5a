package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorName       string `json:"actor_name"`
	// ActorID resumes a previously issued identity when set.
	ActorID string     `json:"actor_id,omitempty"`
	Auth    *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ActorID         string `json:"actor_id"`
	WorldID         string `json:"world_id"`
	Pos             [3]int `json:"pos"`
	MaxHeight       int    `json:"max_height"`
	BypassCooldown  bool   `json:"bypass_cooldown,omitempty"`
}

// RTP (client -> server)
type RTPMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RequestID       string `json:"request_id,omitempty"`
}

// NOTICE (server -> client): actor-facing text, already templated.
type NoticeMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TELEPORTED (server -> client)
type TeleportedMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
	Pos     [3]int `json:"pos"`
}

// Outcome values carried by RTP_RESULT.
const (
	OutcomeSuccess          = "SUCCESS"
	OutcomeNotFound         = "NOT_FOUND"
	OutcomeAlreadySearching = "ALREADY_SEARCHING"
	OutcomeOnCooldown       = "ON_COOLDOWN"
	OutcomeWorldUnavailable = "WORLD_UNAVAILABLE"
	OutcomeActorGone        = "ACTOR_GONE"
)

// RTP_RESULT (server -> client)
type ResultMsg struct {
	Type        string  `json:"type"`
	RequestID   string  `json:"request_id,omitempty"`
	Outcome     string  `json:"outcome"`
	Code        string  `json:"code,omitempty"`
	SecondsLeft int     `json:"seconds_left,omitempty"`
	Attempts    int     `json:"attempts,omitempty"`
	Pos         *[3]int `json:"pos,omitempty"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

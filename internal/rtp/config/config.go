package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelrtp/internal/rtp/search"
)

//go:embed rtp.schema.json
var schemaJSON string

var ErrInvalid = errors.New("invalid rtp config")

var schema = jsonschema.MustCompileString("rtp.schema.json", schemaJSON)

type Config struct {
	// World is the id of the world actors are relocated in.
	World           string `yaml:"world" json:"world"`
	MinDistance     int    `yaml:"min_distance" json:"min_distance"`
	MaxDistance     int    `yaml:"max_distance" json:"max_distance"`
	MaxAttempts     int    `yaml:"max_attempts" json:"max_attempts"`
	CooldownSeconds int    `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	CenterX         int    `yaml:"center_x" json:"center_x"`
	CenterZ         int    `yaml:"center_z" json:"center_z"`
	// SearchTimeoutMs caps the wall-clock time of one search (0 = no cap).
	SearchTimeoutMs int `yaml:"search_timeout_ms" json:"search_timeout_ms"`

	Messages Messages `yaml:"messages" json:"messages"`
}

// Messages are templates; placeholders like %time% are expanded by the caller.
type Messages struct {
	Searching        string `yaml:"searching" json:"searching"`
	AlreadySearching string `yaml:"already_searching" json:"already_searching"`
	Cooldown         string `yaml:"cooldown" json:"cooldown"`
	OK               string `yaml:"ok" json:"ok"`
	Error            string `yaml:"error" json:"error"`
	WorldNotFound    string `yaml:"world_not_found" json:"world_not_found"`
	Progress         string `yaml:"progress" json:"progress"`
}

func Defaults() Config {
	return Config{
		World:           "OVERWORLD",
		MinDistance:     100,
		MaxDistance:     5000,
		MaxAttempts:     50,
		CooldownSeconds: 60,
		Messages: Messages{
			Searching:        "<yellow>Searching for a safe location...",
			AlreadySearching: "<red>You are already searching for a random location. Please wait.",
			Cooldown:         "<red>You must wait %time% seconds before using this command again.",
			OK:               "<green>Teleported to %x% %y% %z%.",
			Error:            "<red>Could not find a safe location. Please try again.",
			WorldNotFound:    "<red>World not found. Please contact an administrator.",
			Progress:         "<yellow>Still searching... Attempt %attempt%/%max%",
		},
	}
}

func (c Config) Params() search.Params {
	return search.Params{
		MinDistance: c.MinDistance,
		MaxDistance: c.MaxDistance,
		MaxAttempts: c.MaxAttempts,
	}
}

func (c Config) Origin() search.Column {
	return search.Column{X: c.CenterX, Z: c.CenterZ}
}

func (c Config) SearchTimeout() time.Duration {
	if c.SearchTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.SearchTimeoutMs) * time.Millisecond
}

// Validate checks semantic constraints the schema cannot express.
// An empty world id is allowed here and rejected per request instead.
func (c Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds %d < 0", ErrInvalid, c.CooldownSeconds)
	}
	return nil
}

func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	return Parse(raw)
}

// Parse decodes a YAML document over Defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	cfg := Defaults()

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("rtp.yaml: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return cfg, fmt.Errorf("rtp.yaml: %w: %w", ErrInvalid, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("rtp.yaml: %w", err)
	}
	cfg.World = strings.TrimSpace(cfg.World)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("rtp.yaml: %w", err)
	}
	return cfg, nil
}

func validateSchema(doc any) error {
	if doc == nil {
		doc = map[string]any{}
	}
	// Round-trip through JSON so the validator sees JSON value types.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// Store publishes the current Config. Readers take a Snapshot at the start of
// an operation and keep using it even if the Store is reloaded meanwhile.
type Store struct {
	cur atomic.Pointer[Config]
}

func NewStore(c Config) *Store {
	s := &Store{}
	s.Replace(c)
	return s
}

func (s *Store) Snapshot() Config {
	return *s.cur.Load()
}

func (s *Store) Replace(c Config) {
	s.cur.Store(&c)
}

// Reload loads path and swaps it in. On error the current Config is kept.
func (s *Store) Reload(path string) (Config, error) {
	c, err := Load(path)
	if err != nil {
		return s.Snapshot(), err
	}
	s.Replace(c)
	return c, nil
}

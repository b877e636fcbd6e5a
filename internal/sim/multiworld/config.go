package multiworld

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"voxelrtp/internal/sim/world"
)

type Config struct {
	DefaultWorldID string      `yaml:"default_world_id"`
	Worlds         []WorldSpec `yaml:"worlds"`
}

type WorldSpec struct {
	ID              string `yaml:"id"`
	SeedOffset      int64  `yaml:"seed_offset"`
	Height          int    `yaml:"height"`
	SeaLevel        int    `yaml:"sea_level"`
	Relief          int    `yaml:"relief"`
	BoundaryR       int    `yaml:"boundary_r"`
	BiomeRegionSize int    `yaml:"biome_region_size"`

	LavaPoolPermille int `yaml:"lava_pool_permille"`
	CactusPermille   int `yaml:"cactus_permille"`
	TreePermille     int `yaml:"tree_permille"`

	Spawn SpawnSpec `yaml:"spawn"`
}

type SpawnSpec struct {
	X int `yaml:"x"`
	Z int `yaml:"z"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg = Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("worlds.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		DefaultWorldID: "OVERWORLD",
		Worlds: []WorldSpec{
			{
				ID:               "OVERWORLD",
				Height:           128,
				SeaLevel:         62,
				Relief:           24,
				BoundaryR:        6000,
				BiomeRegionSize:  256,
				LavaPoolPermille: 40,
				CactusPermille:   30,
				TreePermille:     60,
			},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Worlds {
		w := &c.Worlds[i]
		w.ID = strings.TrimSpace(w.ID)
		if w.Height <= 0 {
			w.Height = 128
		}
		if w.SeaLevel <= 0 {
			w.SeaLevel = w.Height / 2
		}
	}
	c.DefaultWorldID = strings.TrimSpace(c.DefaultWorldID)
	if c.DefaultWorldID == "" && len(c.Worlds) > 0 {
		c.DefaultWorldID = c.Worlds[0].ID
	}
}

func (c Config) Validate() error {
	c.Normalize()
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if w.ID == "" {
			return fmt.Errorf("world id must not be empty")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate world id: %s", w.ID)
		}
		seen[w.ID] = true
		if w.BoundaryR < 0 {
			return fmt.Errorf("world %s boundary_r must be >= 0", w.ID)
		}
		if w.Height < 8 {
			return fmt.Errorf("world %s height must be >= 8", w.ID)
		}
		if w.SeaLevel >= w.Height-4 {
			return fmt.Errorf("world %s sea_level must be < height-4", w.ID)
		}
		if w.Relief < 0 {
			return fmt.Errorf("world %s relief must be >= 0", w.ID)
		}
		if r := w.BoundaryR; r > 0 && (abs(w.Spawn.X) > r || abs(w.Spawn.Z) > r) {
			return fmt.Errorf("world %s spawn outside boundary", w.ID)
		}
	}
	if !seen[c.DefaultWorldID] {
		return fmt.Errorf("default_world_id %q not found in worlds", c.DefaultWorldID)
	}
	return nil
}

func (c Config) WorldIDs() []string {
	out := make([]string, 0, len(c.Worlds))
	for _, w := range c.Worlds {
		out = append(out, w.ID)
	}
	sort.Strings(out)
	return out
}

func (c Config) WorldSpecByID(id string) (WorldSpec, bool) {
	for _, w := range c.Worlds {
		if w.ID == id {
			return w, true
		}
	}
	return WorldSpec{}, false
}

// WorldConfig derives the world loop settings for spec; every world shares
// baseSeed shifted by its own offset.
func (s WorldSpec) WorldConfig(baseSeed int64) world.WorldConfig {
	return world.WorldConfig{
		ID:               s.ID,
		Height:           s.Height,
		SeaLevel:         s.SeaLevel,
		Relief:           s.Relief,
		Seed:             baseSeed + s.SeedOffset,
		BoundaryR:        s.BoundaryR,
		BiomeRegionSize:  s.BiomeRegionSize,
		LavaPoolPermille: s.LavaPoolPermille,
		CactusPermille:   s.CactusPermille,
		TreePermille:     s.TreePermille,
		SpawnX:           s.Spawn.X,
		SpawnZ:           s.Spawn.Z,
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

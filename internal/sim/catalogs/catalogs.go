package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Blocks BlockCatalog
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string
}

type BlockDef struct {
	ID     string `json:"id"`
	Solid  bool   `json:"solid"`
	Liquid bool   `json:"liquid,omitempty"`
	// Hazard marks blocks nobody should be placed on top of.
	Hazard bool `json:"hazard,omitempty"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadBlocks(filepath.Join(configDir, "blocks.json"), &c.Blocks); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadBlocks(path string, out *BlockCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	if err := out.build(defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.DefsDigest = sha256Hex(raw)
	return nil
}

// NewBlockCatalog builds a catalog from in-memory definitions.
func NewBlockCatalog(defs []BlockDef) (BlockCatalog, error) {
	var c BlockCatalog
	if err := c.build(defs); err != nil {
		return c, err
	}
	b, _ := json.Marshal(defs)
	c.DefsDigest = sha256Hex(b)
	return c, nil
}

func (c *BlockCatalog) build(defs []BlockDef) error {
	c.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("empty id")
		}
		if d.Solid && d.Liquid {
			return fmt.Errorf("%s: block cannot be both solid and liquid", d.ID)
		}
		c.Defs[d.ID] = d
	}

	ids := make([]string, 0, len(c.Defs))
	for id := range c.Defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Ensure AIR exists and is palette id 0.
	if d, ok := c.Defs["AIR"]; !ok {
		return fmt.Errorf("missing AIR")
	} else if d.Solid {
		return fmt.Errorf("AIR must not be solid")
	}
	ids = append([]string{"AIR"}, filterOut(ids, "AIR")...)

	c.Palette = ids
	c.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		c.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	c.PaletteDigest = sha256Hex(palJSON)
	return nil
}

// Name returns the block id for a palette index, or "" if out of range.
func (c *BlockCatalog) Name(b uint16) string {
	if int(b) >= len(c.Palette) {
		return ""
	}
	return c.Palette[b]
}

// MustIndex returns the palette index of id and panics if it is unknown.
func (c *BlockCatalog) MustIndex(id string) uint16 {
	b, ok := c.Index[id]
	if !ok {
		panic(fmt.Sprintf("catalogs: unknown block %q", id))
	}
	return b
}

// IndexOr returns the palette index of id, or fallback when the catalog lacks it.
func (c *BlockCatalog) IndexOr(id string, fallback uint16) uint16 {
	if b, ok := c.Index[id]; ok {
		return b
	}
	return fallback
}

func filterOut(in []string, remove string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == remove {
			continue
		}
		out = append(out, s)
	}
	return out
}

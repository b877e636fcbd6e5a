package gen

const (
	BiomePlains = "PLAINS"
	BiomeForest = "FOREST"
	BiomeDesert = "DESERT"
)

// Palette maps the materials the generator places to block palette ids.
type Palette struct {
	Air     uint16
	Bedrock uint16
	Stone   uint16
	Dirt    uint16
	Grass   uint16
	Sand    uint16
	Gravel  uint16
	Snow    uint16
	Log     uint16
	Leaves  uint16
	Cactus  uint16
	Magma   uint16
	Water   uint16
	Lava    uint16
}

type Params struct {
	Seed     int64
	Height   int
	SeaLevel int
	// Relief is the maximum distance of the surface above or below SeaLevel.
	Relief          int
	BiomeRegionSize int

	LavaPoolPermille int
	CactusPermille   int
	TreePermille     int
}

func (p Params) Normalized() Params {
	if p.Height < 8 {
		p.Height = 8
	}
	if p.SeaLevel <= 0 || p.SeaLevel >= p.Height-4 {
		p.SeaLevel = p.Height / 2
	}
	if p.Relief < 0 {
		p.Relief = 0
	}
	if p.BiomeRegionSize <= 0 {
		p.BiomeRegionSize = 256
	}
	p.LavaPoolPermille = ClampPermille(p.LavaPoolPermille)
	p.CactusPermille = ClampPermille(p.CactusPermille)
	p.TreePermille = ClampPermille(p.TreePermille)
	return p
}

func BiomeFrom(noise uint64) string {
	switch noise % 3 {
	case 0:
		return BiomePlains
	case 1:
		return BiomeForest
	default:
		return BiomeDesert
	}
}

func BiomeAt(seed int64, x, z, regionSize int) string {
	if regionSize <= 0 {
		regionSize = 1
	}
	rx := FloorDiv(x, regionSize)
	rz := FloorDiv(z, regionSize)
	return BiomeFrom(Hash2(seed, rx, rz))
}

func ClampPermille(v int) int {
	if v < 0 {
		return 0
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := FloorDiv(x, grid)
	gz := FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx := gx + dx
			cgz := gz + dz
			h := Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}

			ox := int((h >> 10) % uint64(grid))
			oz := int((h >> 20) % uint64(grid))
			cx := cgx*grid + ox
			cz := cgz*grid + oz

			ddx := x - cx
			ddz := z - cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

// SurfaceY returns the y of the topmost terrain block (before decorations) at (x, z).
func SurfaceY(p Params, x, z int) int {
	p = p.Normalized()
	n := ValueNoise(p.Seed+7, x, z, 32)
	y := p.SeaLevel - p.Relief + (n*(2*p.Relief+1))/1001
	if y < 1 {
		y = 1
	}
	if y > p.Height-4 {
		y = p.Height - 4
	}
	return y
}

// Column fills col (len >= p.Height) with the blocks of column (x, z), bottom up.
func Column(p Params, pal Palette, x, z int, col []uint16) {
	p = p.Normalized()
	for i := range col {
		col[i] = pal.Air
	}
	surface := SurfaceY(p, x, z)
	biome := BiomeAt(p.Seed, x, z, p.BiomeRegionSize)

	top, filler := pal.Grass, pal.Dirt
	switch {
	case biome == BiomeDesert:
		top, filler = pal.Sand, pal.Sand
	case surface > p.SeaLevel+p.Relief*3/4:
		top = pal.Snow
	}
	if surface < p.SeaLevel {
		top, filler = pal.Gravel, pal.Sand
	}

	col[0] = pal.Bedrock
	for y := 1; y <= surface; y++ {
		switch {
		case y == surface:
			col[y] = top
		case y >= surface-3:
			col[y] = filler
		default:
			col[y] = pal.Stone
		}
	}

	if surface < p.SeaLevel {
		for y := surface + 1; y <= p.SeaLevel; y++ {
			col[y] = pal.Water
		}
		return
	}

	// Lava pools with a magma rim.
	lavaSeed := p.Seed + 501
	if InCluster(lavaSeed, x, z, 96, 2, uint64(p.LavaPoolPermille)) {
		col[surface] = pal.Lava
		return
	}
	if InCluster(lavaSeed, x, z, 96, 3, uint64(p.LavaPoolPermille)) {
		col[surface] = pal.Magma
		return
	}

	roll := int(Hash3(p.Seed+601, x, surface, z) % 1000)
	switch biome {
	case BiomeDesert:
		if roll < p.CactusPermille {
			setRange(col, surface+1, surface+2, pal.Cactus, p.Height)
		}
	case BiomeForest:
		if roll < p.TreePermille {
			setRange(col, surface+1, surface+4, pal.Log, p.Height)
			setRange(col, surface+5, surface+5, pal.Leaves, p.Height)
		}
	}
}

func setRange(col []uint16, from, to int, b uint16, height int) {
	for y := from; y <= to && y < height && y < len(col); y++ {
		col[y] = b
	}
}

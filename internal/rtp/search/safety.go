package search

// Material names a cell type, e.g. "AIR" or "STONE".
type Material string

const Air Material = "AIR"

// WorldQuery is the read-only view of a world used by the safety policy.
// Implementations are not required to be goroutine-safe; callers must invoke
// them only from the goroutine that owns the world.
type WorldQuery interface {
	CellType(x, y, z int) Material
	IsSolid(m Material) bool
	IsLiquid(m Material) bool
	MaxHeight() int
}

// HazardQuery is optionally implemented by worlds that know about hazardous
// materials beyond the built-in set.
type HazardQuery interface {
	IsHazard(m Material) bool
}

var hazardous = map[Material]struct{}{
	"LAVA":        {},
	"MAGMA_BLOCK": {},
	"CACTUS":      {},
}

// Verdict is the outcome of evaluating one column.
type Verdict struct {
	Safe bool
	Y    int
}

func Safe(y int) Verdict { return Verdict{Safe: true, Y: y} }

var Unsafe = Verdict{}

// EvaluateColumn finds the topmost non-air cell of column (x, z) and reports
// whether standing directly on top of it is safe. Feet must stay inside the
// world, so a surface in the top layer is unsafe.
func EvaluateColumn(q WorldQuery, x, z int) Verdict {
	if q == nil {
		return Unsafe
	}
	top := q.MaxHeight() - 1
	y := top
	for y > 0 && q.CellType(x, y, z) == Air {
		y--
	}
	if y <= 0 || y >= top {
		return Unsafe
	}
	if IsSafeLocation(q, x, y+1, z) {
		return Safe(y + 1)
	}
	return Unsafe
}

// IsSafeLocation reports whether an actor can stand with feet at (x, y, z).
func IsSafeLocation(q WorldQuery, x, y, z int) bool {
	ground := q.CellType(x, y-1, z)
	feet := q.CellType(x, y, z)
	head := q.CellType(x, y+1, z)

	if !q.IsSolid(ground) {
		return false
	}
	if feet != Air || head != Air {
		return false
	}
	return !q.IsLiquid(ground) && !isHazard(q, ground)
}

func isHazard(q WorldQuery, m Material) bool {
	if _, ok := hazardous[m]; ok {
		return true
	}
	if hq, ok := q.(HazardQuery); ok {
		return hq.IsHazard(m)
	}
	return false
}

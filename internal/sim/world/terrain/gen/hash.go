package gen

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Mod(a, b int) int {
	// b > 0
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func Hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func Hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

// ValueNoise returns a bilinearly interpolated lattice value in [0, 1000].
func ValueNoise(seed int64, x, z, cell int) int {
	if cell <= 1 {
		return int(Hash2(seed, x, z) % 1001)
	}
	gx, gz := FloorDiv(x, cell), FloorDiv(z, cell)
	fx, fz := Mod(x, cell), Mod(z, cell)

	v00 := int(Hash2(seed, gx, gz) % 1001)
	v10 := int(Hash2(seed, gx+1, gz) % 1001)
	v01 := int(Hash2(seed, gx, gz+1) % 1001)
	v11 := int(Hash2(seed, gx+1, gz+1) % 1001)

	top := v00*(cell-fx) + v10*fx
	bot := v01*(cell-fx) + v11*fx
	return (top*(cell-fz) + bot*fz) / (cell * cell)
}

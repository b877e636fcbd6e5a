package store

import genpkg "voxelrtp/internal/sim/world/terrain/gen"

func (s *ChunkStore) GenerateChunk(ch *Chunk) {
	col := make([]uint16, ch.Height)
	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			genpkg.Column(s.Gen.Params, s.Gen.Palette, ch.CX*ChunkSize+x, ch.CZ*ChunkSize+z, col)
			for y, b := range col {
				ch.Blocks[ch.index(x, y, z)] = b
			}
		}
	}
}

// Package gen is the deterministic terrain generator used to fill freshly
// loaded chunks. Output depends only on the seed and the world coordinates.
package gen

type Biome uint8

const (
	Plains Biome = iota
	Forest
	Desert
)

func (b Biome) String() string {
	switch b {
	case Forest:
		return "FOREST"
	case Desert:
		return "DESERT"
	default:
		return "PLAINS"
	}
}

// Block names produced by the generator. They must exist in the block
// catalog of whoever consumes the output.
const (
	Air        = "AIR"
	Dirt       = "DIRT"
	Sand       = "SAND"
	Stone      = "STONE"
	Gravel     = "GRAVEL"
	Log        = "LOG"
	CoalOre    = "COAL_ORE"
	IronOre    = "IRON_ORE"
	CopperOre  = "COPPER_ORE"
	CrystalOre = "CRYSTAL_ORE"
)

// Names lists every block name Surface can return.
var Names = []string{Air, Dirt, Sand, Stone, Gravel, Log, CoalOre, IronOre, CopperOre, CrystalOre}

type Params struct {
	Seed int64

	BiomeRegionSize                 int
	SpawnClearRadius                int
	OreClusterProbScalePermille     int
	TerrainClusterProbScalePermille int
	SprinkleStonePermille           int
	SprinkleDirtPermille            int
	SprinkleLogPermille             int
	MaxTrunk                        int
}

func DefaultParams(seed int64) Params {
	return Params{
		Seed:                            seed,
		BiomeRegionSize:                 64,
		SpawnClearRadius:                6,
		OreClusterProbScalePermille:     1000,
		TerrainClusterProbScalePermille: 1000,
		SprinkleStonePermille:           20,
		SprinkleDirtPermille:            15,
		SprinkleLogPermille:             10,
		MaxTrunk:                        3,
	}
}

type Generator struct {
	p Params
}

func New(p Params) *Generator {
	if p.BiomeRegionSize <= 0 {
		p.BiomeRegionSize = 1
	}
	if p.MaxTrunk <= 0 {
		p.MaxTrunk = 1
	}
	return &Generator{p: p}
}

func (g *Generator) Params() Params { return g.p }

func (g *Generator) BiomeAt(x, z int) Biome {
	rx := FloorDiv(x, g.p.BiomeRegionSize)
	rz := FloorDiv(z, g.p.BiomeRegionSize)
	return Biome(Hash2(g.p.Seed, rx, rz) % 3)
}

// Surface picks the ground-level block at (x, z). Rare ores win over common
// ores, which win over biome clutter.
func (g *Generator) Surface(x, z int) string {
	p := g.p
	if withinRadius(x, z, p.SpawnClearRadius) {
		return Air
	}
	ore := p.OreClusterProbScalePermille
	switch {
	case InCluster(p.Seed+101, x, z, 192, 2, ScalePermille(200, ore)):
		return CrystalOre
	case InCluster(p.Seed+102, x, z, 128, 3, ScalePermille(450, ore)):
		return IronOre
	case InCluster(p.Seed+103, x, z, 128, 3, ScalePermille(450, ore)):
		return CopperOre
	case InCluster(p.Seed+104, x, z, 64, 4, ScalePermille(650, ore)):
		return CoalOre
	}

	biome := g.BiomeAt(x, z)
	if b := g.clutter(biome, x, z); b != Air {
		return b
	}
	return g.sprinkle(biome, x, z)
}

type clusterRule struct {
	salt         int64
	grid, radius int
	permille     uint64
	block        string
}

var clutterRules = map[Biome][]clusterRule{
	Forest: {
		{201, 48, 4, 450, Log},
		{202, 32, 4, 500, Stone},
		{203, 48, 3, 350, Dirt},
		{204, 96, 2, 180, Gravel},
	},
	Desert: {
		{301, 48, 3, 550, Sand},
		{302, 32, 4, 450, Stone},
		{303, 96, 2, 200, Gravel},
	},
	Plains: {
		{401, 48, 3, 400, Dirt},
		{402, 32, 4, 500, Stone},
		{403, 96, 2, 180, Gravel},
	},
}

func (g *Generator) clutter(biome Biome, x, z int) string {
	for _, r := range clutterRules[biome] {
		if InCluster(g.p.Seed+r.salt, x, z, r.grid, r.radius, ScalePermille(r.permille, g.p.TerrainClusterProbScalePermille)) {
			return r.block
		}
	}
	return Air
}

// sprinkle keeps cluster-free areas from being empty.
func (g *Generator) sprinkle(biome Biome, x, z int) string {
	roll := Hash2(g.p.Seed+999, x, z) % 1000
	stone := uint64(ClampPermille(g.p.SprinkleStonePermille))
	dirt := stone + uint64(ClampPermille(g.p.SprinkleDirtPermille))
	logs := dirt + uint64(ClampPermille(g.p.SprinkleLogPermille))
	switch {
	case roll < stone:
		return Stone
	case roll < dirt:
		if biome == Desert {
			return Sand
		}
		return Dirt
	case roll < logs && biome == Forest:
		return Log
	}
	return Air
}

// TrunkHeight is how many blocks tall a LOG column at (x, z) grows,
// between 1 and MaxTrunk.
func (g *Generator) TrunkHeight(x, z int) int {
	return 1 + int(Hash3(g.p.Seed+77, x, 0, z)%uint64(g.p.MaxTrunk))
}

// Column fills a chunk of the given height. Blocks are indexed
// x + z*16 + y*256; ids come from the caller's palette lookup.
func (g *Generator) Column(cx, cz, height int, id func(name string) uint16) []uint16 {
	if height <= 0 {
		height = 1
	}
	out := make([]uint16, 16*16*height)
	air := id(Air)
	for i := range out {
		out[i] = air
	}
	for z := 0; z < 16; z++ {
		for x := 0; x < 16; x++ {
			wx, wz := cx*16+x, cz*16+z
			name := g.Surface(wx, wz)
			b := id(name)
			out[x+z*16] = b
			if name != Log {
				continue
			}
			top := g.TrunkHeight(wx, wz)
			for y := 1; y < top && y < height; y++ {
				out[x+z*16+y*256] = b
			}
		}
	}
	return out
}

func withinRadius(x, z, radius int) bool {
	if radius <= 0 {
		return false
	}
	r := int64(radius)
	dx, dz := int64(x), int64(z)
	return dx*dx+dz*dz <= r*r
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

// ScalePermille scales base by scale/1000, rounding to nearest. A
// non-positive scale means 1000.
func ScalePermille(base uint64, scale int) uint64 {
	if scale <= 0 {
		scale = 1000
	}
	scaled := (base*uint64(scale) + 500) / 1000
	if scaled > 1000 {
		return 1000
	}
	return scaled
}

// InCluster reports whether (x, z) lies within radius of a cluster centre.
// Each grid cell hosts at most one centre with probability probPermille.
func InCluster(seed int64, x, z, grid, radius int, probPermille uint64) bool {
	if grid <= 0 || radius <= 0 || probPermille == 0 {
		return false
	}
	gx := FloorDiv(x, grid)
	gz := FloorDiv(z, grid)
	r2 := radius * radius

	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			cgx, cgz := gx+dx, gz+dz
			h := Hash2(seed, cgx, cgz)
			if h%1000 >= probPermille {
				continue
			}
			cx := cgx*grid + int((h>>10)%uint64(grid))
			cz := cgz*grid + int((h>>20)%uint64(grid))
			ddx, ddz := x-cx, z-cz
			if ddx*ddx+ddz*ddz <= r2 {
				return true
			}
		}
	}
	return false
}

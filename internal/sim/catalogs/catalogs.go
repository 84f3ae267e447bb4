// Package catalogs loads the block palette shared by the server and hosts.
package catalogs

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed blocks.yaml
var defaultBlocks []byte

type BlockDef struct {
	ID        string `yaml:"id" json:"id"`
	Solid     bool   `yaml:"solid" json:"solid"`
	Breakable bool   `yaml:"breakable" json:"breakable"`
}

type BlockCatalog struct {
	Palette       []string
	Index         map[string]uint16
	Defs          map[string]BlockDef
	PaletteDigest string
	DefsDigest    string
}

// Default returns the built-in palette.
func Default() *BlockCatalog {
	c, err := Parse(defaultBlocks)
	if err != nil {
		panic(fmt.Sprintf("catalogs: embedded blocks.yaml: %v", err))
	}
	return c
}

// Load reads a blocks.yaml file. An empty path selects the built-in palette.
func Load(path string) (*BlockCatalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*BlockCatalog, error) {
	var defs []BlockDef
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("blocks.yaml: %w", err)
	}
	out := &BlockCatalog{
		Defs:       make(map[string]BlockDef, len(defs)),
		DefsDigest: sha256Hex(raw),
	}
	for _, d := range defs {
		if d.ID == "" {
			return nil, fmt.Errorf("blocks.yaml: empty id")
		}
		if _, dup := out.Defs[d.ID]; dup {
			return nil, fmt.Errorf("blocks.yaml: duplicate id %q", d.ID)
		}
		out.Defs[d.ID] = d
	}
	if _, ok := out.Defs["AIR"]; !ok {
		return nil, fmt.Errorf("blocks.yaml: missing AIR")
	}
	if len(out.Defs) > 1<<16 {
		return nil, fmt.Errorf("blocks.yaml: %d blocks exceed the uint16 palette", len(out.Defs))
	}

	ids := make([]string, 0, len(out.Defs))
	for id := range out.Defs {
		if id != "AIR" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	ids = append([]string{"AIR"}, ids...)

	out.Palette = ids
	out.Index = make(map[string]uint16, len(ids))
	for i, id := range ids {
		out.Index[id] = uint16(i)
	}
	palJSON, _ := json.Marshal(ids)
	out.PaletteDigest = sha256Hex(palJSON)
	return out, nil
}

func (c *BlockCatalog) ID(name string) (uint16, bool) {
	id, ok := c.Index[name]
	return id, ok
}

func (c *BlockCatalog) Name(id uint16) (string, bool) {
	if int(id) >= len(c.Palette) {
		return "", false
	}
	return c.Palette[id], true
}

// IDFunc maps names to ids, with unknown names mapped to AIR.
func (c *BlockCatalog) IDFunc() func(string) uint16 {
	return func(name string) uint16 { return c.Index[name] }
}

func (c *BlockCatalog) Len() int { return len(c.Palette) }

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

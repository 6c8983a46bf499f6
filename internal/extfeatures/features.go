// Package extfeatures is a lookup table describing ext4's compat/incompat/
// ro_compat feature bits by name and description. No other package in this
// module imports it. Grounded on disks/disks.go's embedded-CSV lookup pattern
// (gocsv.UnmarshalToCallback into a map, loaded once at init time).
package extfeatures

import (
	_ "embed"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// Category names a feature bit's home field in the superblock.
type Category string

const (
	Compat   Category = "compat"
	Incompat Category = "incompat"
	RoCompat Category = "ro_compat"
)

// Feature describes one named feature-flag bit.
type Feature struct {
	Category    Category `csv:"category"`
	Name        string   `csv:"name"`
	BitHex      string   `csv:"bit"`
	Description string   `csv:"description"`
}

// Bit parses the feature's hex bitmask.
func (f Feature) Bit() uint32 {
	v, err := strconv.ParseUint(strings.TrimPrefix(f.BitHex, "0x"), 16, 32)
	if err != nil {
		panic(fmt.Sprintf("extfeatures: malformed bit value %q for %q: %s", f.BitHex, f.Name, err))
	}
	return uint32(v)
}

//go:embed features.csv
var rawCSV string

var byCategory = map[Category]map[uint32]Feature{
	Compat:   {},
	Incompat: {},
	RoCompat: {},
}

func init() {
	err := gocsv.UnmarshalToCallback(strings.NewReader(rawCSV), func(row Feature) error {
		m, ok := byCategory[row.Category]
		if !ok {
			return fmt.Errorf("unknown feature category %q for %q", row.Category, row.Name)
		}
		bit := row.Bit()
		if _, exists := m[bit]; exists {
			return fmt.Errorf("duplicate feature bit 0x%x in category %q", bit, row.Category)
		}
		m[bit] = row
		return nil
	})
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("extfeatures: failed to load features.csv: %s", err))
	}
}

// Describe returns every named feature bit set in mask for the given
// category, in ascending bit order. Unrecognized bits are silently skipped;
// callers that need to flag unknown bits should compare mask against the
// union of Known(category) themselves.
func Describe(category Category, mask uint32) []Feature {
	var out []Feature
	m := byCategory[category]
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		if f, ok := m[bit]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Known returns every feature bit this package has a name for, in a given
// category, ORed together.
func Known(category Category) uint32 {
	var mask uint32
	for bit := range byCategory[category] {
		mask |= bit
	}
	return mask
}

// Lookup finds a single feature by category and bit value.
func Lookup(category Category, bit uint32) (Feature, bool) {
	f, ok := byCategory[category][bit]
	return f, ok
}
